// File: cmd/run.go
package cmd

import (
	"fmt"
	"os"
	"time"

	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/guardbot/api/schemas"
	"github.com/xkilldash9x/guardbot/internal/observability"
	"github.com/xkilldash9x/guardbot/internal/service"
)

var runFlags struct {
	taskID        string
	policyCode    string
	createAccount bool
	payloadFile   string
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute one automation task from the command line, without HTTP.",
	Long: `Run performs a single quote automation synchronously: login, optional
prospect creation, and the full wizard walk. The terminal task record is
printed as JSON. The exit code is non-zero unless the task completes.

A payload file carries the same JSON body the webhook accepts; flags
override its task_id, policy_code and create_account fields.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOnce(cmd)
	},
}

func init() {
	runCmd.Flags().StringVar(&runFlags.taskID, "task-id", "", "task identifier (generated when empty)")
	runCmd.Flags().StringVar(&runFlags.policyCode, "policy-code", "", "existing policy code to quote against")
	runCmd.Flags().BoolVar(&runFlags.createAccount, "create-account", false, "register a new prospect account first")
	runCmd.Flags().StringVar(&runFlags.payloadFile, "payload", "", "JSON file with the webhook request body")
	rootCmd.AddCommand(runCmd)
}

func buildRequest() (schemas.WebhookRequest, error) {
	var req schemas.WebhookRequest
	if runFlags.payloadFile != "" {
		data, err := os.ReadFile(runFlags.payloadFile)
		if err != nil {
			return req, fmt.Errorf("failed to read payload file: %w", err)
		}
		if err := json.Unmarshal(data, &req); err != nil {
			return req, fmt.Errorf("invalid payload JSON: %w", err)
		}
	}

	if runFlags.taskID != "" {
		req.TaskID = runFlags.taskID
	}
	if runFlags.policyCode != "" {
		req.PolicyCode = runFlags.policyCode
	}
	if runFlags.createAccount {
		req.CreateAccount = true
	}

	if req.PolicyCode == "" && !req.CreateAccount {
		return req, fmt.Errorf("either --policy-code or --create-account is required")
	}

	req.Normalize(time.Now())
	return req, nil
}

func runOnce(cmd *cobra.Command) error {
	logger := observability.GetLogger()
	cfg := appConfig

	req, err := buildRequest()
	if err != nil {
		return err
	}

	components, err := service.NewComponentFactory().Create(cmd.Context(), cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize components: %w", err)
	}
	defer components.Shutdown()

	// The full engine runs the task so one-shot execution shares the exact
	// lifecycle, classification, and terminal hooks of the webhook path.
	components.Engine.Start(cmd.Context())

	rec, err := components.Engine.Enqueue(req.ToTaskRecord())
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	logger.Info("Running task", zap.String("task_id", rec.TaskID))

	final := waitForTerminal(components, rec.TaskID)
	out, err := json.MarshalIndent(final, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode task record: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))

	if final.Status != schemas.StatusCompleted {
		return fmt.Errorf("task %s ended with status %s: %s", final.TaskID, final.Status, final.Error)
	}
	return nil
}

func waitForTerminal(components *service.Components, taskID string) schemas.TaskRecord {
	for {
		rec, ok := components.Registry.Get(taskID)
		if ok && rec.Status.IsTerminal() {
			return rec
		}
		time.Sleep(500 * time.Millisecond)
	}
}
