package models

// Result is a rendered page snapshot.
type Result struct {
	URL      string `json:"url"`
	Title    string `json:"title"`
	HTML     string `json:"html"`
	Text     string `json:"text"`
	HTMLHash string `json:"html_hash"`
	Status   int    `json:"status"`
	RenderMS int    `json:"render_ms"`
}
