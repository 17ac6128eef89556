// File: internal/portal/prospect.go
package portal

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/guardbot/api/schemas"
)

const (
	prospectSaveTimeout = 30 * time.Second
	cascadeTimeout      = 15 * time.Second
)

// Lessors-risk prospects are classified under a fixed industry triple
// regardless of what the caller supplied.
const (
	lessorsIndustryID     = "7"
	lessorsSubIndustryID  = "26"
	lessorsBusinessTypeID = "79"
)

// cascadeReady waits for a dependent dropdown to be enabled and populated
// after its parent selection triggers a server round trip.
func cascadeReady(id string) string {
	return fmt.Sprintf(`(() => {
		const d = document.querySelector('#%s');
		return d && !d.disabled && d.options.length > 1;
	})()`, id)
}

// CreateProspect registers a new prospect account and walks the confirmation
// interstitial to the quote shell. It returns the policy code the carrier
// assigned and the quote wizard URL for it.
func (d *Driver) CreateProspect(ctx context.Context, page Page, account schemas.AccountData) (policyCode, quoteURL string, err error) {
	if err := page.Navigate(ctx, d.cfg.ProspectURL); err != nil {
		return "", "", stepErr("open prospect form", err)
	}
	d.screenshot(ctx, page, "prospect_form")

	if err := d.fillProspectForm(ctx, page, account); err != nil {
		return "", "", err
	}
	d.screenshot(ctx, page, "account_filled")

	if err := page.Click(ctx, `#save_btn`); err != nil {
		return "", "", stepErr("save prospect", err)
	}
	if err := page.WaitURLContains(ctx, "/execStoredProc/", prospectSaveTimeout); err != nil {
		return "", "", stepErr("wait for prospect confirmation", err)
	}
	d.screenshot(ctx, page, "prospect_saved")
	page.Sleep(ctx, 2*time.Second)

	if err := page.ClickByText(ctx, "a", "continue"); err != nil {
		return "", "", stepErr("continue to quote shell", err)
	}
	if err := page.WaitURLContains(ctx, "EZR_AddNewProspectShell", prospectSaveTimeout); err != nil {
		return "", "", stepErr("wait for quote shell", err)
	}

	quoteURL, err = page.CurrentURL(ctx)
	if err != nil {
		return "", "", stepErr("read quote shell url", err)
	}
	policyCode = extractPolicyCode(quoteURL)
	if policyCode == "" {
		return "", "", stepErr("extract policy code", fmt.Errorf("no MGACODE parameter in %s", quoteURL))
	}

	d.screenshot(ctx, page, "quotation_page")
	d.log.Info("Prospect registered",
		zap.String("policy_code", policyCode),
		zap.String("applicant", account.ApplicantName))
	return policyCode, quoteURL, nil
}

// fillProspectForm types the account into the registration page. Blank
// fields are skipped so partial payloads leave the portal defaults in place.
// The classification dropdowns cascade server-side, so each parent selection
// waits for its child to repopulate.
func (d *Driver) fillProspectForm(ctx context.Context, page Page, account schemas.AccountData) error {
	if err := d.selectField(ctx, page, `#BizType`, account.LegalEntity); err != nil {
		return stepErr("select legal entity", err)
	}
	page.Sleep(ctx, time.Second)

	fields := []struct {
		step     string
		selector string
		value    string
	}{
		{"enter applicant name", `#Name`, account.ApplicantName},
		{"enter dba", `#InsuredDBA`, account.DBA},
		{"enter address line 1", `#Address1`, account.Address1},
		{"enter address line 2", `#Address2`, account.Address2},
	}
	for _, f := range fields {
		if err := d.typeField(ctx, page, f.selector, f.value); err != nil {
			return stepErr(f.step, err)
		}
	}

	// The zip lookup prefills city and state; give it a beat before
	// overwriting them with the caller's values.
	if err := d.typeField(ctx, page, `#ZipCode`, account.ZipCode); err != nil {
		return stepErr("enter zip code", err)
	}
	page.Sleep(ctx, 2*time.Second)
	if err := d.typeField(ctx, page, `#State`, account.State); err != nil {
		return stepErr("enter state", err)
	}
	page.Sleep(ctx, time.Second)

	fields = []struct {
		step     string
		selector string
		value    string
	}{
		{"enter city", `#City`, account.City},
		{"enter contact name", `#ContactName`, account.ContactName},
		{"enter phone area", `#ContactPhone_Prefix`, account.ContactPhone.Area},
		{"enter phone prefix", `#ContactPhone_Suffix`, account.ContactPhone.Prefix},
		{"enter phone suffix", `#ContactPhone_LastFour`, account.ContactPhone.Suffix},
		{"enter email", `#EmailAddress`, account.Email},
		{"enter website", `#WebsiteAddress`, account.Website},
		{"enter years in business", `#YearsInBusiness`, account.YearsInBusiness},
	}
	for _, f := range fields {
		if err := d.typeField(ctx, page, f.selector, f.value); err != nil {
			return stepErr(f.step, err)
		}
	}

	if err := d.selectField(ctx, page, `#ProducerId`, account.ProducerID); err != nil {
		return stepErr("select producer", err)
	}
	if err := d.selectField(ctx, page, `#CSRID`, account.CSRID); err != nil {
		return stepErr("select csr", err)
	}
	if err := d.typeField(ctx, page, `#DescriptionOfOperations`, account.Description); err != nil {
		return stepErr("enter description", err)
	}

	// Clicking the body closes the date picker the inception field opens.
	if err := d.typeField(ctx, page, `#POBegin`, account.PolicyInception); err != nil {
		return stepErr("enter policy inception", err)
	}
	if err := page.Click(ctx, "body"); err != nil {
		return stepErr("dismiss date picker", err)
	}
	page.Sleep(ctx, time.Second)

	if err := d.selectField(ctx, page, `#Govstate`, account.HeadquartersState); err != nil {
		return stepErr("select governing state", err)
	}
	page.Sleep(ctx, 2*time.Second)

	industry, subIndustry, businessType := classification(account)
	if err := page.Select(ctx, `#IndustryID`, industry); err != nil {
		return stepErr("select industry", err)
	}
	page.Sleep(ctx, 3*time.Second)

	if err := page.PollUntil(ctx, cascadeReady("SubIndustryID"), cascadeTimeout); err != nil {
		return stepErr("wait for sub-industry options", err)
	}
	if err := page.Select(ctx, `#SubIndustryID`, subIndustry); err != nil {
		return stepErr("select sub-industry", err)
	}
	page.Sleep(ctx, 3*time.Second)

	if err := page.PollUntil(ctx, cascadeReady("BusinessTypeID"), cascadeTimeout); err != nil {
		return stepErr("wait for business type options", err)
	}
	if err := page.Select(ctx, `#BusinessTypeID`, businessType); err != nil {
		return stepErr("select business type", err)
	}
	page.Sleep(ctx, 5*time.Second)

	for _, lob := range account.LinesOfBusiness {
		if err := d.enableLOB(ctx, page, lob, account); err != nil {
			return err
		}
	}
	return nil
}

// enableLOB ticks one line-of-business checkbox and answers the occupancy
// directives the businessowner line reveals. The directive radios re-render
// the checkbox row, so it is ticked again afterwards.
func (d *Driver) enableLOB(ctx context.Context, page Page, lob string, account schemas.AccountData) error {
	selector := fmt.Sprintf(`#LOBs_%s`, lob)
	if err := page.SetChecked(ctx, selector, true); err != nil {
		return stepErr("enable line of business "+lob, err)
	}
	page.Sleep(ctx, time.Second)

	if lob != "CB" {
		return nil
	}
	page.Sleep(ctx, 2*time.Second)

	if account.OwnershipType == "tenant" {
		if err := page.Click(ctx, `#lobdirective_tenant_radio_Y`); err != nil {
			return stepErr("answer tenant directive", err)
		}
	} else {
		if err := page.Click(ctx, `#lobdirective_tenant_radio_N`); err != nil {
			return stepErr("answer tenant directive", err)
		}
		page.Sleep(ctx, 2*time.Second)
		lro := `#lobdirective_lro_radio_N`
		if account.OwnershipType == "lessors_risk" {
			lro = `#lobdirective_lro_radio_Y`
		}
		if err := page.Click(ctx, lro); err != nil {
			return stepErr("answer lessors-risk directive", err)
		}
	}
	page.Sleep(ctx, time.Second)

	if err := page.SetChecked(ctx, selector, true); err != nil {
		return stepErr("re-enable line of business "+lob, err)
	}
	return nil
}

// typeField fills an input, skipping blank values.
func (d *Driver) typeField(ctx context.Context, page Page, selector, value string) error {
	if value == "" {
		return nil
	}
	return page.Type(ctx, selector, value)
}

// selectField sets a dropdown, skipping blank values.
func (d *Driver) selectField(ctx context.Context, page Page, selector, value string) error {
	if value == "" {
		return nil
	}
	return page.Select(ctx, selector, value)
}

// classification resolves the industry triple for the account, substituting
// the fixed lessors-risk codes when that ownership type is requested.
func classification(account schemas.AccountData) (industry, subIndustry, businessType string) {
	if account.OwnershipType == "lessors_risk" {
		return lessorsIndustryID, lessorsSubIndustryID, lessorsBusinessTypeID
	}
	return account.IndustryID, account.SubIndustryID, account.BusinessTypeID
}

// extractPolicyCode pulls the MGACODE query parameter out of the quote shell
// URL without caring about parameter order.
func extractPolicyCode(url string) string {
	_, after, found := strings.Cut(url, "MGACODE=")
	if !found {
		return ""
	}
	code, _, _ := strings.Cut(after, "&")
	return code
}
