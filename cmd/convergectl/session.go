package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jordanhubbard/converge/internal/api"
	"github.com/jordanhubbard/converge/pkg/models"
)

// readInput reads path, or stdin when path is "-".
func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(path)
}

func newSubmitCommand() *cobra.Command {
	var (
		sessionID      string
		requestID      string
		requestType    string
		prompt         string
		language       string
		candidatesFile string
		artifactFile   string
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Score candidates for the next iteration of a session",
		Long: `Submit scores the candidates for one iteration. Without --session a new
session is created. Candidates are read as a JSON array from --candidates.`,
		Example: `  convergectl submit --prompt "Add pagination" --type api --candidates cands.json
  convergectl submit --session 4f1c... --prompt "Add pagination" --candidates - --artifact out.go < cands.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(cmd, candidatesFile)
			if err != nil {
				return fmt.Errorf("failed to read candidates: %w", err)
			}
			var candidates []models.Candidate
			if err := json.Unmarshal(raw, &candidates); err != nil {
				return fmt.Errorf("failed to parse candidates: %w", err)
			}

			body := api.SubmitRequest{
				SessionID:  sessionID,
				Candidates: candidates,
				Request: models.GenerationRequest{
					ID:       requestID,
					Type:     requestType,
					Prompt:   prompt,
					Language: language,
				},
			}
			if body.Request.ID == "" {
				body.Request.ID = uuid.NewString()
			}
			if artifactFile != "" {
				artifact, err := readInput(cmd, artifactFile)
				if err != nil {
					return fmt.Errorf("failed to read artifact: %w", err)
				}
				body.Artifact = string(artifact)
			}

			data, err := newClient().post(cmd.Context(), "/api/v1/submit", body)
			if err != nil {
				return err
			}
			outputJSON(cmd.OutOrStdout(), data)
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "Session ID (omit to start a new session)")
	cmd.Flags().StringVar(&requestID, "request-id", "", "Request ID (generated when empty)")
	cmd.Flags().StringVarP(&requestType, "type", "t", "", "Request type, e.g. api, architecture, bugfix")
	cmd.Flags().StringVarP(&prompt, "prompt", "p", "", "Generation prompt (required)")
	cmd.Flags().StringVar(&language, "language", "", "Target language")
	cmd.Flags().StringVarP(&candidatesFile, "candidates", "c", "", "JSON file with the candidate array, - for stdin (required)")
	cmd.Flags().StringVarP(&artifactFile, "artifact", "a", "", "File holding the artifact produced by the previous iteration")
	_ = cmd.MarkFlagRequired("prompt")
	_ = cmd.MarkFlagRequired("candidates")
	return cmd
}

// --- Session commands ---

func newSessionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect and control sessions",
	}
	cmd.AddCommand(newSessionListCommand())
	cmd.AddCommand(newSessionShowCommand())
	cmd.AddCommand(newSessionFailCommand())
	cmd.AddCommand(newSessionAbortCommand())
	cmd.AddCommand(newSessionCheckpointsCommand())
	return cmd
}

func newSessionListCommand() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			params := url.Values{}
			if status != "" {
				params.Set("status", status)
			}
			data, err := newClient().get(cmd.Context(), "/api/v1/sessions", params)
			if err != nil {
				return err
			}
			outputJSON(cmd.OutOrStdout(), data)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (ACTIVE, RECOVERING, CONVERGED, ABORTED)")
	return cmd
}

func newSessionShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show session details and history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newClient().get(cmd.Context(), "/api/v1/sessions/"+url.PathEscape(args[0]), nil)
			if err != nil {
				return err
			}
			outputJSON(cmd.OutOrStdout(), data)
			return nil
		},
	}
}

func newSessionFailCommand() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:     "fail <session-id> <error message>",
		Short:   "Report a failed iteration and run recovery",
		Args:    cobra.ExactArgs(2),
		Example: `  convergectl session fail 4f1c... "syntax error in handler.go" --kind STRUCTURAL`,
		RunE: func(cmd *cobra.Command, args []string) error {
			body := api.FailureRequest{Kind: models.FailureKind(kind), Error: args[1]}
			data, err := newClient().post(cmd.Context(), "/api/v1/sessions/"+url.PathEscape(args[0])+"/failures", body)
			if err != nil {
				return err
			}
			outputJSON(cmd.OutOrStdout(), data)
			return nil
		},
	}
	cmd.Flags().StringVarP(&kind, "kind", "k", "", "Failure kind (TRANSIENT, DIVERGENT, STRUCTURAL); classified from the message when empty")
	return cmd
}

func newSessionAbortCommand() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "abort <session-id>",
		Short: "Abort a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newClient().post(cmd.Context(), "/api/v1/sessions/"+url.PathEscape(args[0])+"/abort", api.AbortRequest{Reason: reason})
			if err != nil {
				return err
			}
			outputJSON(cmd.OutOrStdout(), data)
			return nil
		},
	}
	cmd.Flags().StringVarP(&reason, "reason", "r", "", "Reason recorded in the session history")
	return cmd
}

func newSessionCheckpointsCommand() *cobra.Command {
	var (
		cpType string
		since  string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "checkpoints <session-id>",
		Short: "List checkpoints of a session",
		Args:  cobra.ExactArgs(1),
		Example: `  convergectl session checkpoints 4f1c... --type STABLE
  convergectl session checkpoints 4f1c... --since 2026-01-02T15:04:05Z --limit 5`,
		RunE: func(cmd *cobra.Command, args []string) error {
			params := url.Values{}
			if cpType != "" {
				params.Set("type", cpType)
			}
			if since != "" {
				params.Set("since", since)
			}
			if limit > 0 {
				params.Set("limit", strconv.Itoa(limit))
			}
			data, err := newClient().get(cmd.Context(), "/api/v1/sessions/"+url.PathEscape(args[0])+"/checkpoints", params)
			if err != nil {
				return err
			}
			outputJSON(cmd.OutOrStdout(), data)
			return nil
		},
	}
	cmd.Flags().StringVar(&cpType, "type", "", "Filter by type (AUTO, STABLE, PRE_RECOVERY)")
	cmd.Flags().StringVar(&since, "since", "", "Only checkpoints created at or after this RFC3339 time")
	cmd.Flags().IntVar(&limit, "limit", 0, "Only the newest N checkpoints")
	return cmd
}

// --- Outcome commands ---

func newOutcomeCommand() *cobra.Command {
	var (
		sessionID string
		score     float64
		quality   float64
	)
	cmd := &cobra.Command{
		Use:     "outcome <candidate-id>",
		Short:   "Record the observed outcome of a routed candidate",
		Args:    cobra.ExactArgs(1),
		Example: `  convergectl outcome claude-sonnet-4-5 --score 0.82 --quality 0.9`,
		RunE: func(cmd *cobra.Command, args []string) error {
			body := api.OutcomeRequest{
				SessionID:       sessionID,
				CandidateID:     args[0],
				ObservedScore:   score,
				ObservedQuality: quality,
			}
			if _, err := newClient().post(cmd.Context(), "/api/v1/outcomes", body); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "recorded outcome for %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "Session the outcome belongs to")
	cmd.Flags().Float64Var(&score, "score", 0, "Observed score in [0,1] (required)")
	cmd.Flags().Float64Var(&quality, "quality", 0, "Observed quality in [0,1] (required)")
	_ = cmd.MarkFlagRequired("score")
	_ = cmd.MarkFlagRequired("quality")
	return cmd
}
