package metadata

import "time"

// Record is the persisted document for one URL, keyed by the canonical URL.
type Record struct {
	URL        string         `bson:"url" json:"url"`
	Status     Status         `bson:"status" json:"status"`
	Page       Page           `bson:"metadata" json:"metadata"`
	Processing ProcessingInfo `bson:"processing" json:"processing"`
	CreatedAt  time.Time      `bson:"created_at" json:"created_at"`
	UpdatedAt  time.Time      `bson:"updated_at" json:"updated_at"`
}

// Page holds the fetched HTTP metadata for a completed record.
type Page struct {
	StatusCode int                `bson:"status_code" json:"status_code"`
	Headers    map[string]string  `bson:"headers" json:"headers"`
	Cookies    map[string]string  `bson:"cookies" json:"cookies"`
	PageSource string             `bson:"page_source" json:"page_source"`
	FinalURL   string             `bson:"final_url" json:"final_url"`
	Details    *TruncationDetails `bson:"additional_details" json:"additional_details"`
}

// TruncationDetails records that page_source was cut down before persisting.
type TruncationDetails struct {
	Truncated      bool `bson:"truncated" json:"truncated"`
	OriginalLength int  `bson:"original_length" json:"original_length"`
}

// ProcessingInfo tracks attempt bookkeeping across redeliveries.
type ProcessingInfo struct {
	AttemptNumber int       `bson:"attempt_number" json:"attempt_number"`
	ErrorMsg      string    `bson:"error_msg" json:"error_msg"`
	LastAttemptAt time.Time `bson:"last_attempt_at" json:"last_attempt_at"`
	LastRequestID string    `bson:"last_request_id" json:"last_request_id"`
}

// EmptyPage is the metadata block written when a record is first created.
func EmptyPage() Page {
	return Page{
		Headers: map[string]string{},
		Cookies: map[string]string{},
	}
}

// TruncatePage caps page_source at max bytes. When it cuts, Details carries
// the pre-truncation length; otherwise the page is returned unchanged.
func TruncatePage(p Page, max int) Page {
	if max <= 0 || len(p.PageSource) <= max {
		return p
	}
	p.Details = &TruncationDetails{
		Truncated:      true,
		OriginalLength: len(p.PageSource),
	}
	p.PageSource = p.PageSource[:max]
	return p
}
