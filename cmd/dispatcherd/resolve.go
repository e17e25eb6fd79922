package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Deseer/websocket-postman/internal/config"
	"github.com/Deseer/websocket-postman/internal/onebot"
	"github.com/Deseer/websocket-postman/internal/repository"
	"github.com/Deseer/websocket-postman/internal/router"
	"github.com/Deseer/websocket-postman/internal/style"
)

// alwaysUpChecker reports every connection as up, since resolve runs
// offline against a config file with no live upstream pool.
type alwaysUpChecker struct{}

func (alwaysUpChecker) IsUp(string) bool { return true }

// ResolveCmd dry-runs the resolution pipeline against one OneBot message
// event frame, printing the Decision it would produce — useful for
// validating a command-set configuration before deploying it.
func ResolveCmd() *cobra.Command {
	var privileged bool
	var qqID int64

	cmd := &cobra.Command{
		Use:   "resolve <frame.json>",
		Short: "Dry-run the resolution pipeline against one OneBot frame",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolve(configPath, args[0], privileged, qqID)
		},
	}
	cmd.Flags().BoolVar(&privileged, "privileged", false, "treat the sender as privileged")
	cmd.Flags().Int64Var(&qqID, "qq-id", 0, "override the sender id instead of reading user_id from the frame")
	return cmd
}

func runResolve(cfgPath, framePath string, privileged bool, overrideQQID int64) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	raw, err := os.ReadFile(framePath)
	if err != nil {
		return fmt.Errorf("reading frame: %w", err)
	}

	f := onebot.Classify(raw)
	if f.Kind != onebot.MessageEvent {
		return fmt.Errorf("frame is not a message event (classified as %s)", f.Kind)
	}
	if overrideQQID != 0 {
		f.UserID = overrideQQID
	}

	req := router.Request{
		Text:         f.Text,
		SenderID:     f.UserID,
		GroupID:      f.GroupID,
		HasGroupID:   f.HasGroupID,
		IsPrivileged: privileged || cfg.IsAdmin(f.UserID),
		Raw:          raw,
	}

	repo := repository.NewMemory()
	defer repo.Close()
	user, _ := repo.GetUser(context.Background(), f.UserID)

	styleMgr := style.New(repo, nil)
	defer styleMgr.Close()

	decision := router.Resolve(cfg, user, req, styleMgr, alwaysUpChecker{})

	out, err := json.MarshalIndent(struct {
		Kind         string `json:"kind"`
		ConnectionID string `json:"connection_id,omitempty"`
		Text         string `json:"text,omitempty"`
	}{
		Kind:         decision.Kind.String(),
		ConnectionID: decision.ConnectionID,
		Text:         decision.Text,
	}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
