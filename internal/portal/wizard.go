// File: internal/portal/wizard.go
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
	maxPanelTransitions = 15
	wizardLoadDelay     = 3 * time.Second
	panelSettleDelay    = 2 * time.Second
	panelFieldTimeout   = 15 * time.Second
)

// Answers that never vary between quotes.
const (
	damageToPremisesLimit = "100000"
	employeeCount         = "10"
	storyCount            = "1"
	residentialUnitCount  = "0"
	vacancyMonths         = "0"
	gasSalesPercent       = "40"
	cbdSalesAmount        = "0"
	tobaccoSalesPercent   = "10"
	alcoholSalesPercent   = "10"
)

type panelKind string

const (
	panelLocations     panelKind = "locations"
	panelPolicyInfo    panelKind = "policy_info"
	panelClassSpecific panelKind = "class_specific"
	panelLiability     panelKind = "liability_limits"
	panelCoverages     panelKind = "policy_coverages"
	panelWindstorm     panelKind = "windstorm_hail"
	panelLocationInfo  panelKind = "location_info"
	panelBuildingInfo  panelKind = "building_info"
	panelPassThrough   panelKind = "pass_through"
	panelUnknown       panelKind = "unknown"
)

// The wizard renders its NEXT button three different ways depending on the
// panel.
var nextButtonSelectors = []string{
	`button[name="next_btn"]`,
	`button#next_btn`,
	`button.FSbutton-Next`,
}

// RunQuote walks the quote wizard at quoteURL panel by panel until the
// class-specific questionnaire, the final panel, is submitted. Each loop
// iteration identifies the panel currently rendered and fills it, so the
// flow tolerates panels the portal decides to skip or reorder.
func (d *Driver) RunQuote(ctx context.Context, page Page, quoteURL string, quote schemas.QuoteData) error {
	if err := page.Navigate(ctx, quoteURL); err != nil {
		return stepErr("open quote wizard", err)
	}
	page.Sleep(ctx, wizardLoadDelay)
	if err := d.checkPortalError(ctx, page); err != nil {
		return err
	}

	for transition := 1; transition <= maxPanelTransitions; transition++ {
		if err := page.Sleep(ctx, panelSettleDelay); err != nil {
			return stepErr("wait for panel render", err)
		}
		if err := d.checkPortalError(ctx, page); err != nil {
			return err
		}

		kind := d.classifyPanel(ctx, page)
		d.log.Info("Processing quote panel",
			zap.String("panel", string(kind)),
			zap.Int("transition", transition))
		d.screenshot(ctx, page, "panel_"+string(kind))

		var err error
		switch kind {
		case panelLocations:
			err = d.fillLocations(ctx, page)
		case panelPolicyInfo:
			err = d.fillPolicyInfo(ctx, page)
		case panelLiability:
			err = d.fillLiability(ctx, page, quote)
		case panelCoverages:
			err = d.fillCoverages(ctx, page)
		case panelLocationInfo:
			err = d.fillLocationInfo(ctx, page)
		case panelWindstorm:
			err = d.fillWindstorm(ctx, page)
		case panelBuildingInfo:
			err = d.fillBuildingInfo(ctx, page, quote)
		case panelPassThrough:
			if err = d.advance(ctx, page, "pass-through panel"); err == nil {
				err = page.Sleep(ctx, 3*time.Second)
			}
		case panelClassSpecific:
			if err := d.fillClassSpecific(ctx, page, quote); err != nil {
				return err
			}
			d.screenshot(ctx, page, "quote_complete")
			d.log.Info("Quote wizard complete", zap.Int("transitions", transition))
			return nil
		default:
			url, _ := page.CurrentURL(ctx)
			d.screenshot(ctx, page, "unrecognized_panel")
			return fmt.Errorf("%w: transition %d stalled at %s", ErrUnrecognizedPanel, transition, url)
		}
		if err != nil {
			return err
		}
	}
	return fmt.Errorf("%w: wizard did not complete within %d panel transitions", ErrNavigation, maxPanelTransitions)
}

// checkPortalError fails fast when the portal has bounced the session to its
// generic MVC error page, which it does for expired or invalid policy codes.
func (d *Driver) checkPortalError(ctx context.Context, page Page) error {
	url, err := page.CurrentURL(ctx)
	if err != nil {
		return stepErr("read wizard url", err)
	}
	if strings.Contains(strings.ToLower(url), "mvcerrorpage") {
		d.screenshot(ctx, page, "portal_error_page")
		return fmt.Errorf("%w: portal error page at %s", ErrNavigation, url)
	}
	return nil
}

// classifyPanel identifies the panel currently rendered by probing for each
// panel's signature field. Order matters in two places: the class-specific
// probe must run before the liability one because both panels carry generic
// inputs, and windstorm must run before location info because its
// bplocationdeductibles_* field names contain the location panel's
// bplocation prefix.
func (d *Driver) classifyPanel(ctx context.Context, page Page) panelKind {
	switch {
	case page.Probe(ctx, `a#pickme_lnk`):
		return panelLocations
	case page.Probe(ctx, `#ProductID`):
		return panelPolicyInfo
	case page.Probe(ctx, `input[name*="conveniencestore"]`):
		return panelClassSpecific
	case page.Probe(ctx, `input[id*="annualrevenue"], input[name="bop_annualrevenue"]`):
		return panelLiability
	case page.Probe(ctx, `input[name*="ptentir_limit"], input[id*="ptentir_limit"]`):
		return panelCoverages
	case page.Probe(ctx, `input[name*="separatewindpolicy"]`):
		return panelWindstorm
	case page.Probe(ctx, `input[name*="watersource"]`):
		return panelLocationInfo
	case page.Probe(ctx, `select[name="EZRate_Industry"]`):
		return panelBuildingInfo
	case page.Probe(ctx, `button[name="next_btn"], button.FSbutton-Next`):
		return panelPassThrough
	}
	return panelUnknown
}

// advance clicks whichever NEXT variant the current panel renders.
func (d *Driver) advance(ctx context.Context, page Page, panel string) error {
	if err := clickFirst(ctx, page, nextButtonSelectors...); err != nil {
		return stepErr("advance from "+panel, err)
	}
	return nil
}

// fillRequired types a caller-supplied figure, failing the task when the
// field cannot be found: a quote produced without it would be wrong rather
// than merely incomplete.
func (d *Driver) fillRequired(ctx context.Context, page Page, field, value string, selectors ...string) error {
	if err := typeFirst(ctx, page, value, selectors...); err != nil {
		return stepErr("fill "+field, err)
	}
	return nil
}

// The soft variants log and move on when a control is missing; the portal
// hides many of them depending on state and earlier answers.

func (d *Driver) softFill(ctx context.Context, page Page, field, value string, selectors ...string) {
	if err := typeFirst(ctx, page, value, selectors...); err != nil {
		d.log.Warn("Optional input not found", zap.String("field", field), zap.Error(err))
	}
}

func (d *Driver) softClick(ctx context.Context, page Page, field string, selectors ...string) {
	if err := clickFirst(ctx, page, selectors...); err != nil {
		d.log.Warn("Optional control not found", zap.String("field", field), zap.Error(err))
	}
}

func (d *Driver) softSelect(ctx context.Context, page Page, field, value string, selectors ...string) {
	if err := selectFirst(ctx, page, value, selectors...); err != nil {
		d.log.Warn("Optional dropdown not found", zap.String("field", field), zap.Error(err))
	}
}

// fillLocations reuses the address registered with the prospect: pick it,
// verify it, save it, and declare the location list complete.
func (d *Driver) fillLocations(ctx context.Context, page Page) error {
	if err := page.Click(ctx, `a#pickme_lnk`); err != nil {
		return stepErr("pick existing location", err)
	}
	page.Sleep(ctx, 2*time.Second)
	if err := page.Click(ctx, `button#verify_Btn`); err != nil {
		return stepErr("verify location address", err)
	}
	page.Sleep(ctx, 2*time.Second)
	if err := page.Click(ctx, `button#add_button`); err != nil {
		return stepErr("save location", err)
	}
	page.Sleep(ctx, 3*time.Second)

	if err := page.WaitVisible(ctx, `button[name="next_btn"]`, panelFieldTimeout); err != nil {
		d.log.Warn("Done-adding-locations button slow to appear", zap.Error(err))
	}
	if err := d.advance(ctx, page, "locations panel"); err != nil {
		return err
	}
	page.Sleep(ctx, 4*time.Second)

	// The liability panel behind this one is the heaviest render in the
	// wizard; let it settle before the loop re-classifies.
	if err := page.WaitVisible(ctx, `input[id*="annualrevenue"], input[name="bop_annualrevenue"]`, panelFieldTimeout); err != nil {
		d.log.Warn("Liability panel slow to load after locations", zap.Error(err))
	}
	return page.Sleep(ctx, 2*time.Second)
}

// fillPolicyInfo picks the product line. Changing it reloads the rest of the
// form, hence the pause before the ownership question.
func (d *Driver) fillPolicyInfo(ctx context.Context, page Page) error {
	if err := page.Select(ctx, `#ProductID`, "Retail BOP"); err != nil {
		return stepErr("select product line", err)
	}
	page.Sleep(ctx, 3*time.Second)

	d.softClick(ctx, page, "other business ownership",
		`input[type="radio"][id*="otherbiz_radio_N"]`)
	page.Sleep(ctx, 500*time.Millisecond)

	return d.advance(ctx, page, "policy info panel")
}

func (d *Driver) fillLiability(ctx context.Context, page Page, quote schemas.QuoteData) error {
	if err := d.fillRequired(ctx, page, "total annual sales", quote.CombinedSales,
		`input[id*="annualrevenue"]`,
		`input[name="bop_annualrevenue"]`,
	); err != nil {
		return err
	}
	d.softFill(ctx, page, "employee count", employeeCount,
		`input[id*="employees"]`,
		`input[name="bop_employees"]`,
	)
	page.Sleep(ctx, time.Second)
	d.softClick(ctx, page, "hired and non-owned auto",
		`input[id*="nonownedauto"][value="N"]`,
		`input[name*="nonownedauto"][value="N"]`,
		`input#nonownedauto_1_radio_N`,
	)
	return d.advance(ctx, page, "liability limits panel")
}

func (d *Driver) fillCoverages(ctx context.Context, page Page) error {
	d.softFill(ctx, page, "damage to premises limit", damageToPremisesLimit,
		`input[name*="ptentir_limit"]`,
		`input[id*="ptentir_limit"]`,
		`input.GTnumeric[data-min="50000"]`,
	)
	page.Sleep(ctx, time.Second)

	// Cyber Suite defaults to on; the quote excludes it.
	if err := setCheckedFirst(ctx, page, false,
		`input[name*="CYBERSUITE"][name*="OnPolicy_checkbox"]`,
		`input[id*="CYBERSUITE"][type="checkbox"]`,
	); err != nil {
		d.log.Warn("Optional control not found", zap.String("field", "cyber suite checkbox"), zap.Error(err))
	}
	page.Sleep(ctx, time.Second)
	return d.advance(ctx, page, "policy coverages panel")
}

func (d *Driver) fillLocationInfo(ctx context.Context, page Page) error {
	d.softClick(ctx, page, "water source within 1000 feet",
		`input[name*="bplocation_watersource"][value="Y"]`,
		`input[id*="watersource"][value="Y"]`,
		`input[name*="watersource"][value="Y"]`,
	)
	d.softSelect(ctx, page, "fire station distance", "X",
		`select[name*="bplocation_firestation"]`,
		`select[id*="firestation"]`,
		`select[name*="firestation"]`,
	)
	d.softSelect(ctx, page, "consecutive years in business", "0",
		`select[name="bplocation_yearsinbusiness"]`,
		`select[name*="yearsinbusiness"]`,
		`select[id*="yearsinbusiness"]`,
	)
	d.softClick(ctx, page, "location currently open",
		`input[name*="bplocation_currentlyopen"][value="Y"]`,
		`input[id*="currentlyopen"][value="Y"]`,
		`input[name*="currentlyopen"][value="Y"]`,
	)
	d.softClick(ctx, page, "hurricane idalia damage",
		`input[name*="bplocation_hurricaneidalia"][value="N"]`,
		`input[name*="idalia"][value="N"]`,
		`input[id*="hurricaneidalia"][value="N"]`,
	)
	d.softClick(ctx, page, "hurricane debby damage",
		`input[name*="bplocation_hurricanedebby"][value="N"]`,
		`input[name*="debby"][value="N"]`,
		`input[id*="hurricanedebby"][value="N"]`,
	)
	page.Sleep(ctx, time.Second)
	return d.advance(ctx, page, "location information panel")
}

func (d *Driver) fillWindstorm(ctx context.Context, page Page) error {
	d.softClick(ctx, page, "separate windstorm policy",
		`input[name="bplocationdeductibles_separatewindpolicy"][value="0"]`,
		`input#bplocationdeductibles_separatewindpolicy_radio_0`,
		`input[name="bplocationdeductibles_separatewindpolicy_radio"][value="0"]`,
	)
	d.softClick(ctx, page, "exclude wind and hail coverage",
		`input[name="bplocationdeductibles_windhail_excl"][value="0"]`,
		`input#bplocationdeductibles_windhail_excl_radio_0`,
		`input[name="bplocationdeductibles_windhail_excl_radio"][value="0"]`,
	)
	page.Sleep(ctx, time.Second)
	return d.advance(ctx, page, "windstorm panel")
}

func (d *Driver) fillBuildingInfo(ctx context.Context, page Page, quote schemas.QuoteData) error {
	d.softSelect(ctx, page, "occupancy type", "OM",
		`select[name="OccupancyType"]`,
		`select#Occupancy`,
	)
	d.softClick(ctx, page, "standalone building",
		`input#OccupancyType_radio_STANDALONE`,
		`input[value="STANDALONE"][type="radio"]`,
	)
	page.Sleep(ctx, time.Second)
	d.softClick(ctx, page, "sole occupant",
		`input[name="SoleOccupant"][value="SOLE"]`,
		`input#SoleOccupant_radio_SOLE`,
	)

	// The industry selection repopulates the class code and construction
	// dropdowns server-side.
	d.softSelect(ctx, page, "building industry", "CONVEN",
		`select[name="EZRate_Industry"]`,
		`select#EZRate_Industry`,
	)
	page.Sleep(ctx, 3*time.Second)

	d.softSelect(ctx, page, "class code", "0932101",
		`select[name="ClassCode"]`,
		`select#ClassCode`,
	)
	d.softSelect(ctx, page, "construction type", "FM",
		`select[name="Construction"]`,
		`select#Construction`,
	)
	page.Sleep(ctx, time.Second)

	if err := d.fillRequired(ctx, page, "building annual sales", quote.CombinedSales,
		`input[name="GrossSales"]`,
		`input#GrossSales`,
	); err != nil {
		return err
	}
	if err := d.fillRequired(ctx, page, "annual gasoline gallons", quote.GasGallons,
		`input[name="gallonsOfGasoline"]`,
		`input#gallonsOfGasoline`,
	); err != nil {
		return err
	}
	d.softClick(ctx, page, "liquor on premises",
		`input[name="LiquorOnPremises"][value="N"]`,
		`input#LiquorOnPremises_radio_N`,
		`input[name="LiquorOnPremises_radio"][value="N"]`,
	)
	page.Sleep(ctx, time.Second)
	if err := d.fillRequired(ctx, page, "year built", quote.YearBuilt,
		`input[name="YearBuilt"]`,
		`input#YearBuilt`,
	); err != nil {
		return err
	}
	d.softFill(ctx, page, "number of stories", storyCount,
		`input[name="Stories"]`,
		`input#Stories`,
	)
	d.softSelect(ctx, page, "roof surfacing type", "UNKNOWN",
		`select[name="ROOFTYPE"]`,
		`select#ROOFTYPE`,
	)
	if err := d.fillRequired(ctx, page, "total square footage", quote.SquareFootage,
		`input[name="SquareFootage"]`,
		`input#SquareFootage`,
	); err != nil {
		return err
	}
	if err := d.fillRequired(ctx, page, "occupied square footage", quote.SquareFootage,
		`input[name="SQFTOCC"]`,
		`input#SQFTOCC`,
	); err != nil {
		return err
	}
	d.softClick(ctx, page, "24 hour gas pumps",
		`input[name="gasPumps24Hours"][value="False"]`,
		`input#gasPumps24Hours_radio_False`,
		`input[name="gasPumps24Hours_radio"][value="False"]`,
	)
	d.softFill(ctx, page, "residential units", residentialUnitCount,
		`input[name="ResidentialUnits"]`,
		`input#ResidentialUnits`,
	)
	d.softSelect(ctx, page, "sprinkler system", "N",
		`select[name="Sprinklered"]`,
		`select#Sprinklered`,
	)
	d.softSelect(ctx, page, "fire alarm", "Central Station",
		`select[name="FireAlarm"]`,
		`select#FireAlarm`,
	)
	d.softSelect(ctx, page, "cooking extinguishing system", "NA",
		`select[name="AnsulSystem"]`,
		`select#AnsulSystem`,
	)
	d.softSelect(ctx, page, "burglar alarm", "Central Station",
		`select[name="BurglarAlarm"]`,
		`select#BurglarAlarm`,
	)
	d.softSelect(ctx, page, "security cameras", "N",
		`select[name="SecurityCameras"]`,
		`select#SecurityCameras`,
	)
	page.Sleep(ctx, time.Second)
	return d.advance(ctx, page, "building information panel")
}

// fillClassSpecific answers the convenience-store questionnaire, the final
// panel in the wizard. Advancing past it lands on the completed quote.
func (d *Driver) fillClassSpecific(ctx context.Context, page Page, quote schemas.QuoteData) error {
	if err := page.WaitVisible(ctx,
		`input[name="conveniencestore_bld_cvg_radio"], input[name="conveniencestore_vacancy"], input[name="conveniencestore_gaspumps"]`,
		panelFieldTimeout,
	); err != nil {
		return stepErr("wait for class specific panel", err)
	}

	d.softClick(ctx, page, "building coverage needed",
		`input[name="conveniencestore_bld_cvg_radio"][value="N"]`,
		`input#conveniencestore_bld_cvg_radio_N`,
	)
	d.softFill(ctx, page, "months vacant", vacancyMonths,
		`input[name="conveniencestore_vacancy"]`,
		`input#conveniencestore_vacancy`,
	)
	d.softClick(ctx, page, "secondary building coverage",
		`input[name="conveniencestore_bld_cvg_2_radio"][value="N"]`,
		`input#conveniencestore_bld_cvg_2_radio_N`,
	)
	if err := d.fillRequired(ctx, page, "gas pump count", quote.MPDs,
		`input[name="conveniencestore_gaspumps"]`,
		`input#conveniencestore_gaspumps`,
	); err != nil {
		return err
	}
	d.softFill(ctx, page, "gasoline sales percent", gasSalesPercent,
		`input[name="conveniencestore_gassales"]`,
		`input#conveniencestore_gassales`,
	)
	if err := d.fillRequired(ctx, page, "store annual receipts", quote.CombinedSales,
		`input[name="conveniencestore_gaspumps_2"]`,
		`input#conveniencestore_gaspumps_2`,
	); err != nil {
		return err
	}
	d.softClick(ctx, page, "propane sales",
		`input[name="conveniencestore_propane_radio_N"][value="N"]`,
		`input#conveniencestore_propane_radio_N`,
	)
	d.softClick(ctx, page, "cannabis sales",
		`input[name="conveniencestore_cannabis_radio_N"][value="N"]`,
		`input#conveniencestore_cannabis_radio_N`,
	)
	d.softFill(ctx, page, "cbd product sales", cbdSalesAmount,
		`input[name="conveniencestore_cbd_products"]`,
		`input#conveniencestore_cbd_products`,
	)
	d.softSelect(ctx, page, "products for sale", "1",
		`select[name="conveniencestore_products_forsale"]`,
		`select#conveniencestore_products_forsale`,
	)
	d.softFill(ctx, page, "tobacco sales percent", tobaccoSalesPercent,
		`input[name="conveniencestore_tobacco"]`,
		`input#conveniencestore_tobacco`,
	)
	d.softSelect(ctx, page, "food preparation", "NONE",
		`select[name="conveniencestore_foodprep"]`,
		`select#conveniencestore_foodprep`,
	)
	d.softClick(ctx, page, "wind mitigation inspection",
		`input[name="conveniencestore_windmitigation_ga_radio"][value="Y"]`,
		`input#conveniencestore_windmitigation_ga_radio_Y`,
	)
	page.Sleep(ctx, time.Second)
	d.softClick(ctx, page, "wind mitigation acknowledgement",
		`input#conveniencestore_windmessage_radio_Y`,
		`input[name="conveniencestore_windmessage_radio_N"][value="Y"]`,
	)
	d.softClick(ctx, page, "high hazard operations",
		`input[name="conveniencestore_highhazard_radio"][value="N"]`,
		`input#conveniencestore_highhazard_radio_N`,
	)
	d.softFill(ctx, page, "alcohol sales percent", alcoholSalesPercent,
		`input[name="conveniencestore_alcoholsales"]`,
		`input#conveniencestore_alcoholsales`,
	)
	d.softClick(ctx, page, "auto service operations",
		`input[name="conveniencestore_autoservices_radio"][value="N"]`,
		`input#conveniencestore_autoservices_radio_N`,
	)
	d.softClick(ctx, page, "parking lot paved",
		`input[name="conveniencestore_parkinglot_radio_Y"][value="Y"]`,
		`input#conveniencestore_parkinglot_radio_Y`,
	)
	page.Sleep(ctx, time.Second)
	d.screenshot(ctx, page, "class_specific_filled")

	// The final NEXT lands on the quote summary. Some tenants finish on
	// this panel without one.
	if page.ClickIfPresent(ctx, `button[name="next_btn"]`, 5*time.Second) {
		page.Sleep(ctx, 2*time.Second)
	}
	return nil
}
