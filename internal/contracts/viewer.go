package contracts

const (
	// MessageTypeSummary updates the browser with the rendered document summary.
	MessageTypeSummary = "summary"
	// MessageTypeDisplay updates the browser with the latest rendered segment.
	MessageTypeDisplay = "display"
	// MessageTypeRenderPage asks the session to render another page.
	MessageTypeRenderPage = "render_page"
)

// IncomingMessage is the minimal envelope used to route browser messages.
type IncomingMessage struct {
	Type string
}

// RenderPageMessage requests a page from the browser side.
type RenderPageMessage struct {
	Type string `json:"type"`
	Page int    `json:"page"`
}

// SummaryMessage carries the document summary HTML and revision metadata.
type SummaryMessage struct {
	Type     string `json:"type"`
	HTML     string `json:"html"`
	Filename string `json:"filename"`
	Rev      uint64 `json:"rev"`
}

// DisplayMessage carries one displayable segment and revision metadata.
type DisplayMessage struct {
	Type      string  `json:"type"`
	Page      int     `json:"page"`
	SegmentID int     `json:"segmentId"`
	Width     float64 `json:"width"`
	Height    float64 `json:"height"`
	Src       string  `json:"src"`
	Rev       uint64  `json:"rev"`
}
