package handlers

import (
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/nadmax/taskrpc/internal/task"
	"github.com/nadmax/taskrpc/internal/worker"
)

// ActionRunReport summarises the task run history into a file on the
// worker's disk.
const ActionRunReport = "run_report"

type ReportArgs struct {
	ReportType string `json:"report_type"`
	StartTime  string `json:"start_time"`
	EndTime    string `json:"end_time"`
	Format     string `json:"format"`
	OutputPath string `json:"output_path"`
}

type ReportResult struct {
	Path string `json:"path"`
	Rows int    `json:"rows"`
}

type ReportGenerator struct {
	db *sql.DB
}

func NewReportGenerator(db *sql.DB) *ReportGenerator {
	return &ReportGenerator{db: db}
}

// ReportID names the report task so that two requests for the same report
// type collapse into one run.
func ReportID(reportType string) task.ID {
	return task.MakeID(ActionRunReport, reportType)
}

func (rg *ReportGenerator) Handle(ctx context.Context, rec *task.Record, progress worker.ProgressFunc) (json.RawMessage, error) {
	args, err := parseReportArgs(rec.Args)
	if err != nil {
		return nil, fmt.Errorf("invalid args: %w", err)
	}

	startTime, endTime, err := parseTimeRange(args)
	if err != nil {
		return nil, fmt.Errorf("invalid time range: %w", err)
	}

	log.Printf("[Task %s] Generating %s report (format: %s, period: %s to %s)",
		rec.ID, args.ReportType, args.Format, startTime.Format(time.RFC3339), endTime.Format(time.RFC3339))
	progress(fmt.Sprintf("querying %s", args.ReportType))

	var data [][]string
	switch args.ReportType {
	case "action_summary":
		data, err = rg.generateActionSummary(ctx, startTime, endTime)
	case "worker_performance":
		data, err = rg.generateWorkerPerformance(ctx, startTime, endTime)
	case "failure_analysis":
		data, err = rg.generateFailureAnalysis(ctx, startTime, endTime)
	default:
		return nil, fmt.Errorf("unsupported report type: %s (available: action_summary, worker_performance, failure_analysis)", args.ReportType)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to generate report: %w", err)
	}

	if ctx.Err() != nil {
		log.Printf("[Task %s] Task cancelled after data generation", rec.ID)
		return nil, ctx.Err()
	}

	progress("writing report")
	outputFile, err := saveReport(args, data)
	if err != nil {
		return nil, fmt.Errorf("failed to save report: %w", err)
	}

	log.Printf("[Task %s] Report generated successfully: %s (%d rows)", rec.ID, outputFile, len(data)-1)
	return json.Marshal(ReportResult{Path: outputFile, Rows: len(data) - 1})
}

func parseReportArgs(raw json.RawMessage) (*ReportArgs, error) {
	var args ReportArgs
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, err
		}
	}

	if args.ReportType == "" {
		return nil, errors.New("missing required field: report_type")
	}
	if args.OutputPath == "" {
		args.OutputPath = "./reports"
	}
	if args.Format == "" {
		args.Format = "csv"
	}

	return &args, nil
}

func parseTimeRange(args *ReportArgs) (time.Time, time.Time, error) {
	var startTime, endTime time.Time
	var err error

	if args.StartTime != "" {
		startTime, err = time.Parse(time.RFC3339, args.StartTime)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid start_time format: %w", err)
		}
	} else {
		startTime = time.Now().Add(-24 * time.Hour)
	}

	if args.EndTime != "" {
		endTime, err = time.Parse(time.RFC3339, args.EndTime)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid end_time format: %w", err)
		}
	} else {
		endTime = time.Now()
	}

	if endTime.Before(startTime) {
		return time.Time{}, time.Time{}, errors.New("end_time is before start_time")
	}

	return startTime, endTime, nil
}

func (rg *ReportGenerator) generateActionSummary(ctx context.Context, startTime, endTime time.Time) ([][]string, error) {
	query := `
		SELECT
			action,
			COUNT(*) as total_runs,
			COUNT(*) FILTER (WHERE status = 'completed') as completed,
			COUNT(*) FILTER (WHERE status = 'error') as failed,
			COUNT(*) FILTER (WHERE status = 'cancelled') as cancelled,
			AVG(duration_ms) FILTER (WHERE duration_ms IS NOT NULL) as avg_duration_ms,
			MAX(duration_ms) as max_duration_ms,
			ROUND(100.0 * COUNT(*) FILTER (WHERE status = 'completed') / NULLIF(COUNT(*), 0), 2) as success_rate
		FROM task_runs
		WHERE created_at BETWEEN $1 AND $2
		GROUP BY action
		ORDER BY total_runs DESC
	`

	rows, err := rg.db.QueryContext(ctx, query, startTime, endTime)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			log.Printf("failed to close rows: %v", closeErr)
		}
	}()

	data := [][]string{
		{"Action", "Total", "Completed", "Failed", "Cancelled", "Avg Duration (ms)", "Max Duration (ms)", "Success Rate (%)"},
	}

	for rows.Next() {
		var action string
		var total, completed, failed, cancelled int
		var avgDuration, successRate sql.NullFloat64
		var maxDuration sql.NullInt64

		if err := rows.Scan(&action, &total, &completed, &failed, &cancelled, &avgDuration, &maxDuration, &successRate); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}

		data = append(data, []string{
			action,
			fmt.Sprintf("%d", total),
			fmt.Sprintf("%d", completed),
			fmt.Sprintf("%d", failed),
			fmt.Sprintf("%d", cancelled),
			formatFloat(avgDuration, 0),
			formatInt64(maxDuration),
			formatFloat(successRate, 2),
		})
	}

	return data, rows.Err()
}

func (rg *ReportGenerator) generateWorkerPerformance(ctx context.Context, startTime, endTime time.Time) ([][]string, error) {
	query := `
		SELECT
			worker_id,
			COUNT(*) as runs_processed,
			COUNT(*) FILTER (WHERE status = 'completed') as completed,
			COUNT(*) FILTER (WHERE status = 'error') as failed,
			AVG(duration_ms) FILTER (WHERE duration_ms IS NOT NULL) as avg_duration_ms,
			MAX(duration_ms) as max_duration_ms
		FROM task_runs
		WHERE created_at BETWEEN $1 AND $2
			AND worker_id IS NOT NULL
		GROUP BY worker_id
		ORDER BY runs_processed DESC
	`

	rows, err := rg.db.QueryContext(ctx, query, startTime, endTime)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			log.Printf("failed to close rows: %v", closeErr)
		}
	}()

	data := [][]string{
		{"Worker ID", "Runs Processed", "Completed", "Failed", "Avg Duration (ms)", "Max Duration (ms)"},
	}

	for rows.Next() {
		var workerID string
		var processed, completed, failed int
		var avgDuration sql.NullFloat64
		var maxDuration sql.NullInt64

		if err := rows.Scan(&workerID, &processed, &completed, &failed, &avgDuration, &maxDuration); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}

		data = append(data, []string{
			workerID,
			fmt.Sprintf("%d", processed),
			fmt.Sprintf("%d", completed),
			fmt.Sprintf("%d", failed),
			formatFloat(avgDuration, 0),
			formatInt64(maxDuration),
		})
	}

	return data, rows.Err()
}

func (rg *ReportGenerator) generateFailureAnalysis(ctx context.Context, startTime, endTime time.Time) ([][]string, error) {
	query := `
		SELECT
			action,
			LEFT(COALESCE(error_message, 'unknown'), 100) as error_type,
			COUNT(*) as occurrences,
			MAX(created_at) as last_occurrence
		FROM task_runs
		WHERE created_at BETWEEN $1 AND $2
			AND status = 'error'
		GROUP BY action, LEFT(COALESCE(error_message, 'unknown'), 100)
		ORDER BY occurrences DESC
		LIMIT 50
	`

	rows, err := rg.db.QueryContext(ctx, query, startTime, endTime)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			log.Printf("failed to close rows: %v", closeErr)
		}
	}()

	data := [][]string{
		{"Action", "Error", "Occurrences", "Last Occurrence"},
	}

	for rows.Next() {
		var action, errorType string
		var occurrences int
		var lastOccurrence time.Time

		if err := rows.Scan(&action, &errorType, &occurrences, &lastOccurrence); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}

		data = append(data, []string{
			action,
			errorType,
			fmt.Sprintf("%d", occurrences),
			lastOccurrence.Format(time.RFC3339),
		})
	}

	return data, rows.Err()
}

func formatFloat(val sql.NullFloat64, precision int) string {
	if !val.Valid {
		return "0"
	}
	return fmt.Sprintf("%.*f", precision, val.Float64)
}

func formatInt64(val sql.NullInt64) string {
	if !val.Valid {
		return "0"
	}
	return fmt.Sprintf("%d", val.Int64)
}

func saveReport(args *ReportArgs, data [][]string) (string, error) {
	if err := os.MkdirAll(args.OutputPath, 0755); err != nil {
		return "", err
	}

	timestamp := time.Now().Format("20060102_150405")
	filename := fmt.Sprintf("taskrpc_%s_%s.%s", args.ReportType, timestamp, args.Format)
	fullPath := filepath.Join(args.OutputPath, filename)

	switch args.Format {
	case "csv":
		return fullPath, saveAsCSV(fullPath, data)
	case "json":
		return fullPath, saveAsJSON(fullPath, data)
	default:
		return "", fmt.Errorf("unsupported format: %s", args.Format)
	}
}

func saveAsCSV(path string, data [][]string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			log.Printf("failed to close file: %v", closeErr)
		}
	}()

	writer := csv.NewWriter(file)
	if err := writer.WriteAll(data); err != nil {
		return err
	}

	return writer.Error()
}

func saveAsJSON(path string, data [][]string) error {
	if len(data) < 1 {
		return errors.New("report has no header row")
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			log.Printf("failed to close file: %v", closeErr)
		}
	}()

	headers := data[0]
	records := make([]map[string]string, 0, len(data)-1)
	for _, row := range data[1:] {
		record := make(map[string]string)
		for i, header := range headers {
			if i < len(row) {
				record[header] = row[i]
			}
		}

		records = append(records, record)
	}

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(map[string]any{
		"generated_at": time.Now().Format(time.RFC3339),
		"data":         records,
		"total_rows":   len(records),
	})
}
