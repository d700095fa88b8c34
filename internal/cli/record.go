package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"taskboard/internal/activity"
)

func recordCmd(o *globalOptions) *cobra.Command {
	var auth, state, data string
	cmd := &cobra.Command{
		Use:   "record <resource> <tag>",
		Short: "Append one activity record to today's partition",
		Long: `Append one activity record without a running server. Only use it when no
server is recording the same resource into the same dir.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := o.activityDir()
			if err != nil {
				return err
			}
			st := activity.State(strings.ToLower(strings.TrimSpace(state)))
			if st != activity.StateSuccess && st != activity.StateError {
				return fmt.Errorf("--state must be %q or %q", activity.StateSuccess, activity.StateError)
			}
			var payload any
			if strings.TrimSpace(data) != "" {
				if !json.Valid([]byte(data)) {
					return errors.New("--data is not valid JSON")
				}
				payload = json.RawMessage(data)
			}

			rec, err := activity.NewRecorder(activity.RecorderOptions{
				Dir:      dir,
				Resource: args[0],
				Console:  cmd.OutOrStdout(),
			})
			if err != nil {
				return err
			}
			rec.Log(args[1], activity.Message{
				State: st,
				Auth:  auth,
				Data:  payload,
				Stack: "cli",
			})
			return rec.Close()
		},
	}
	cmd.Flags().StringVar(&auth, "auth", "", "acting identity")
	cmd.Flags().StringVar(&state, "state", string(activity.StateSuccess), "success or error")
	cmd.Flags().StringVar(&data, "data", "", "JSON payload")
	return cmd
}
