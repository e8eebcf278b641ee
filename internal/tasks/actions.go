package tasks

import "github.com/nadmax/taskrpc/internal/task"

// Launch is one fully described unit of work: its id, the action that runs it
// and the action's arguments.
type Launch struct {
	ID     task.ID
	Action string
	Args   any
}

type AutofitArgs struct {
	ProjectID string `json:"project_id"`
	ParsetID  string `json:"parset_id"`
	MaxTime   int    `json:"max_time,omitempty"`
}

type OptimizeArgs struct {
	ProjectID      string `json:"project_id"`
	OptimizationID string `json:"optimization_id"`
	MaxTime        int    `json:"max_time,omitempty"`
}

type BOCArgs struct {
	PortfolioID string `json:"portfolio_id"`
	ProjectID   string `json:"project_id"`
	MaxTime     int    `json:"max_time,omitempty"`
}

type GAOptimizeArgs struct {
	PortfolioID string `json:"portfolio_id"`
	MaxTime     int    `json:"max_time,omitempty"`
}

type ReconcileArgs struct {
	ProjectID string `json:"project_id"`
	ProgsetID string `json:"progset_id"`
	ParsetID  string `json:"parset_id"`
	Year      int    `json:"year"`
	MaxTime   int    `json:"max_time,omitempty"`
}

func Autofit(args AutofitArgs) Launch {
	return Launch{ID: task.AutofitID(args.ProjectID, args.ParsetID), Action: task.ActionAutofit, Args: args}
}

func Optimize(args OptimizeArgs) Launch {
	return Launch{ID: task.OptimizeID(args.ProjectID, args.OptimizationID), Action: task.ActionOptimize, Args: args}
}

func BOC(args BOCArgs) Launch {
	return Launch{ID: task.BOCID(args.PortfolioID, args.ProjectID), Action: task.ActionBOC, Args: args}
}

func GAOptimize(args GAOptimizeArgs) Launch {
	return Launch{ID: task.GAOptimizeID(args.PortfolioID), Action: task.ActionGAOptimize, Args: args}
}

func Reconcile(args ReconcileArgs) Launch {
	return Launch{
		ID:     task.ReconcileID(args.ProjectID, args.ProgsetID, args.ParsetID, args.Year),
		Action: task.ActionReconcile,
		Args:   args,
	}
}
