package engine

import (
	"fmt"
	"time"
)

// ActivityAction is the kind of operation an Activity audits.
type ActivityAction string

const (
	ActivityFeatureInstall ActivityAction = "feature-install"
	ActivityFeatureRemove  ActivityAction = "feature-remove"
	ActivitySiteInstall    ActivityAction = "site-install"
	ActivitySiteRemove     ActivityAction = "site-remove"
	ActivityConfigure      ActivityAction = "configure"
	ActivityUnconfigure    ActivityAction = "unconfigure"
	ActivityRevert         ActivityAction = "revert"
	ActivityReconciliation ActivityAction = "reconciliation"
	ActivityPreserve       ActivityAction = "preserve"
)

// Validate checks if the action is known.
func (a ActivityAction) Validate() error {
	switch a {
	case ActivityFeatureInstall, ActivityFeatureRemove, ActivitySiteInstall,
		ActivitySiteRemove, ActivityConfigure, ActivityUnconfigure,
		ActivityRevert, ActivityReconciliation, ActivityPreserve:
		return nil
	default:
		return fmt.Errorf("invalid activity action: %s", a)
	}
}

// Outcome is the result of an audited operation.
type Outcome string

const (
	OutcomeOK  Outcome = "OK"
	OutcomeNOK Outcome = "NOK"
)

// Activity is one append-only audit entry.
type Activity struct {
	Action  ActivityAction
	Label   string
	Date    time.Time
	Outcome Outcome
}

// OK reports whether the audited operation succeeded.
func (a *Activity) OK() bool {
	return a.Outcome == OutcomeOK
}

func (a *Activity) String() string {
	return fmt.Sprintf("%s %s %s [%s]", a.Date.UTC().Format(time.RFC3339), a.Action, a.Label, a.Outcome)
}

func outcomeOf(err error) Outcome {
	if err != nil {
		return OutcomeNOK
	}
	return OutcomeOK
}
