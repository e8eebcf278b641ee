package task

import (
	"fmt"
	"strings"
)

// ID names one logical unit of background work. It is derived from the action
// name and the owning entity ids, so two callers describing the same work agree
// on the same id.
type ID string

const Delimiter = ":"

const (
	ActionAutofit    = "autofit"
	ActionOptimize   = "optimize"
	ActionBOC        = "boc"
	ActionGAOptimize = "ga_optimize"
	ActionReconcile  = "reconcile"
)

var (
	escaper   = strings.NewReplacer("%", "%25", Delimiter, "%3A")
	unescaper = strings.NewReplacer("%3A", Delimiter, "%25", "%")
)

// MakeID joins the action and the stringified owner ids with Delimiter.
// Owner ids containing the delimiter are escaped so distinct id lists never
// produce the same string.
func MakeID(action string, ownerIDs ...any) ID {
	parts := make([]string, 0, len(ownerIDs)+1)
	parts = append(parts, escaper.Replace(action))
	for _, owner := range ownerIDs {
		parts = append(parts, escaper.Replace(fmt.Sprint(owner)))
	}

	return ID(strings.Join(parts, Delimiter))
}

// ParseID splits an id built by MakeID back into its action and owner ids.
func ParseID(id ID) (string, []string) {
	parts := strings.Split(string(id), Delimiter)
	for i := range parts {
		parts[i] = unescaper.Replace(parts[i])
	}

	return parts[0], parts[1:]
}

func (id ID) Action() string {
	action, _ := ParseID(id)
	return action
}

func (id ID) String() string {
	return string(id)
}

func AutofitID(projectID, parsetID any) ID {
	return MakeID(ActionAutofit, projectID, parsetID)
}

func OptimizeID(projectID, optimizationID any) ID {
	return MakeID(ActionOptimize, projectID, optimizationID)
}

func BOCID(portfolioID, projectID any) ID {
	return MakeID(ActionBOC, portfolioID, projectID)
}

func GAOptimizeID(portfolioID any) ID {
	return MakeID(ActionGAOptimize, portfolioID)
}

func ReconcileID(projectID, progsetID, parsetID any, year int) ID {
	return MakeID(ActionReconcile, projectID, progsetID, parsetID, year)
}
