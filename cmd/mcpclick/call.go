package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/philip-sterne/mcp.click/internal/domain"
	"github.com/philip-sterne/mcp.click/internal/relay/rpc"
)

var (
	callRelayAddr string
	callDevice    string
	callMethod    string
	callHeaders   map[string]string
	callBody      string
	callWait      time.Duration
)

var callCmd = &cobra.Command{
	Use:   "call [url]",
	Short: "Submit a tool call to a device through the relay",
	Long: `Submits a request descriptor to a device over the relay's JSON-RPC API and
prints the call id. With --wait the command also waits for the result.

Example:
  mcpclick call --device dev-device --method POST --body '{"title":"x"}' https://app.example.com/api/items`,
	Args: cobra.ExactArgs(1),
	RunE: runCall,
}

func init() {
	callCmd.Flags().StringVar(&callRelayAddr, "relay-rpc", "localhost:8788", "Relay JSON-RPC address")
	callCmd.Flags().StringVar(&callDevice, "device", "dev-device", "Target device token")
	callCmd.Flags().StringVarP(&callMethod, "method", "X", "GET", "HTTP method")
	callCmd.Flags().StringToStringVarP(&callHeaders, "header", "H", nil, "Request header key=value")
	callCmd.Flags().StringVarP(&callBody, "body", "d", "", "JSON request body")
	callCmd.Flags().DurationVar(&callWait, "wait", 0, "Wait up to this long for the result")
}

func runCall(cmd *cobra.Command, args []string) error {
	req := domain.ToolRequest{Method: callMethod, URL: args[0], Headers: callHeaders}
	if callBody != "" {
		if !json.Valid([]byte(callBody)) {
			return fmt.Errorf("--body must be valid JSON")
		}
		req.Body = json.RawMessage(callBody)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), callWait+10*time.Second)
	defer cancel()

	client := rpc.NewClient(callRelayAddr)
	callID, err := client.Call(ctx, callDevice, req)
	if err != nil {
		return err
	}

	if callWait <= 0 {
		return printJSON(map[string]string{"callId": callID})
	}

	call, err := client.Result(ctx, callID, callWait)
	if err != nil {
		return err
	}
	return printJSON(call)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
