package models

// Result is the extracted content of a fetched page.
type Result struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Byline  string `json:"byline,omitempty"`
	Text    string `json:"text"`
	Status  int    `json:"status"`
	FetchMS int    `json:"fetch_ms"`
}
