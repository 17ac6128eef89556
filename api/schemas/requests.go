package schemas

import (
	"time"

	"github.com/google/uuid"
)

// -- Webhook Request Schemas --

// ActionStartAutomation is the only action the webhook understands. Payloads
// without an action are treated as this one.
const ActionStartAutomation = "start_automation"

// WebhookRequest is the inbound job-submission payload.
//
// PolicyCode may be omitted only when CreateAccount is set, in which case the
// worker registers a new prospect first and uses the policy code the carrier
// assigns. The binding tag enforces exactly that rule.
type WebhookRequest struct {
	Action        string       `json:"action"`
	TaskID        string       `json:"task_id,omitempty"`
	PolicyCode    string       `json:"policy_code,omitempty" binding:"required_if=CreateAccount false"`
	CreateAccount bool         `json:"create_account,omitempty"`
	SubmissionID  string       `json:"submission_id,omitempty"`
	Quote         QuoteData    `json:"quote_data"`
	Account       *AccountData `json:"account_data,omitempty"`
}

// Normalize applies the implicit defaults the wire contract allows callers to
// omit. Call it after binding, before handing the request to the engine.
func (r *WebhookRequest) Normalize(now time.Time) {
	if r.Action == "" {
		r.Action = ActionStartAutomation
	}
	if r.TaskID == "" {
		r.TaskID = NewTaskID(r.PolicyCode, now)
	}
	if r.SubmissionID == "" {
		r.SubmissionID = uuid.NewString()
	}
	r.Quote.ApplyDefaults()
	if r.CreateAccount && r.Account == nil {
		acct := DefaultAccountData(now)
		r.Account = &acct
	}
}

// ToTaskRecord converts a normalized request into the record the engine
// tracks. Status and timestamps are the engine's to set.
func (r *WebhookRequest) ToTaskRecord() TaskRecord {
	return TaskRecord{
		TaskID:        r.TaskID,
		SubmissionID:  r.SubmissionID,
		PolicyCode:    r.PolicyCode,
		CreateAccount: r.CreateAccount,
		Quote:         r.Quote,
		Account:       r.Account,
	}
}

// QuoteData carries the caller-tunable figures for the quote wizard. All
// values travel as strings because they are typed verbatim into form fields.
type QuoteData struct {
	CombinedSales string `json:"combined_sales,omitempty"`
	GasGallons    string `json:"gas_gallons,omitempty"`
	YearBuilt     string `json:"year_built,omitempty"`
	SquareFootage string `json:"square_footage,omitempty"`
	MPDs          string `json:"mpds,omitempty"`
}

// ApplyDefaults fills any blank figure with the stock demo values.
func (q *QuoteData) ApplyDefaults() {
	if q.CombinedSales == "" {
		q.CombinedSales = "1000000"
	}
	if q.GasGallons == "" {
		q.GasGallons = "100000"
	}
	if q.YearBuilt == "" {
		q.YearBuilt = "2025"
	}
	if q.SquareFootage == "" {
		q.SquareFootage = "2000"
	}
	if q.MPDs == "" {
		q.MPDs = "6"
	}
}

// ContactPhone is the three-box phone number the prospect form expects.
type ContactPhone struct {
	Area   string `json:"area"`
	Prefix string `json:"prefix"`
	Suffix string `json:"suffix"`
}

// AccountData is the prospect-registration payload used when CreateAccount
// is set. Field names mirror the carrier form, not Go conventions.
type AccountData struct {
	LegalEntity       string       `json:"legal_entity"`
	ApplicantName     string       `json:"applicant_name"`
	DBA               string       `json:"dba,omitempty"`
	Address1          string       `json:"address1"`
	Address2          string       `json:"address2,omitempty"`
	ZipCode           string       `json:"zipcode"`
	City              string       `json:"city"`
	State             string       `json:"state"`
	ContactName       string       `json:"contact_name"`
	ContactPhone      ContactPhone `json:"contact_phone"`
	Email             string       `json:"email"`
	Website           string       `json:"website,omitempty"`
	YearsInBusiness   string       `json:"years_in_business"`
	ProducerID        string       `json:"producer_id"`
	CSRID             string       `json:"csr_id"`
	Description       string       `json:"description"`
	PolicyInception   string       `json:"policy_inception"`
	HeadquartersState string       `json:"headquarters_state"`
	IndustryID        string       `json:"industry_id"`
	SubIndustryID     string       `json:"sub_industry_id"`
	BusinessTypeID    string       `json:"business_type_id"`
	LinesOfBusiness   []string     `json:"lines_of_business"`
	OwnershipType     string       `json:"ownership_type"`
}

// DefaultAccountData returns the canned test prospect used when the caller
// asks for account creation without supplying one. Inception is two days out
// because the carrier rejects same-day policies.
func DefaultAccountData(now time.Time) AccountData {
	return AccountData{
		LegalEntity:   "L",
		ApplicantName: "TEST COMPANY LLC",
		DBA:           "Test Business",
		Address1:      "280 Griffin St",
		ZipCode:       "30253-3100",
		City:          "McDonough",
		State:         "GA",
		ContactName:   "John Doe",
		ContactPhone: ContactPhone{
			Area:   "404",
			Prefix: "555",
			Suffix: "9999",
		},
		Email:             "harveyspectra@gmail.com",
		Website:           "www.testbusiness.com",
		YearsInBusiness:   "5",
		ProducerID:        "2774846",
		CSRID:             "16977940",
		Description:       "Retail grocery store operations",
		PolicyInception:   now.Add(48 * time.Hour).Format("01/02/2006"),
		HeadquartersState: "GA",
		IndustryID:        "11",
		SubIndustryID:     "45",
		BusinessTypeID:    "127",
		LinesOfBusiness:   []string{"CB"},
		OwnershipType:     "tenant",
	}
}
