package schemas

// -- Outbound Callback Schemas --

// CallbackCarrier identifies this automation to downstream webhook consumers.
const CallbackCarrier = "GUARD"

// CallbackPayload is the best-effort notification POSTed to the configured
// callback URL when a task reaches a terminal status. Success and failure
// share one shape; failure populates Error/Detail instead of the result
// fields.
type CallbackPayload struct {
	Carrier      string     `json:"carrier"`
	TaskID       string     `json:"task_id"`
	SubmissionID string     `json:"submission_id,omitempty"`
	Status       TaskStatus `json:"status"`

	PolicyCode string `json:"policy_code,omitempty"`
	QuoteURL   string `json:"quotation_url,omitempty"`
	Message    string `json:"message,omitempty"`

	Error  string `json:"error,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// NewCallbackPayload projects a terminal task record into the callback shape.
func NewCallbackPayload(rec TaskRecord) CallbackPayload {
	return CallbackPayload{
		Carrier:      CallbackCarrier,
		TaskID:       rec.TaskID,
		SubmissionID: rec.SubmissionID,
		Status:       rec.Status,
		PolicyCode:   rec.PolicyCode,
		QuoteURL:     rec.QuoteURL,
		Message:      rec.Message,
		Error:        rec.Error,
		Detail:       rec.Detail,
	}
}
