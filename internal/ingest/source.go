package ingest

// Source is one unit of content to ingest into a knowledge base. Exactly
// one of the concrete variants is used per call.
type Source interface {
	// DocumentName is the logical name chunks are filed under.
	DocumentName() string

	sealed()
}

// FileSource is an uploaded file. The extractor is chosen by the file
// extension of Name.
type FileSource struct {
	Name string
	Data []byte
}

func (s FileSource) DocumentName() string { return trimExtension(s.Name) }
func (FileSource) sealed()                {}

// TextSource is raw text pasted or posted directly.
type TextSource struct {
	Name string
	Text string
}

func (s TextSource) DocumentName() string {
	if s.Name != "" {
		return s.Name
	}
	return "text"
}
func (TextSource) sealed() {}

// URLSource is a website to scrape. Zero MaxDepth/MaxLinks fall back to the
// pipeline defaults.
type URLSource struct {
	URL      string
	MaxDepth int
	MaxLinks int
}

func (s URLSource) DocumentName() string { return hostLabel(s.URL) }
func (URLSource) sealed()                {}
