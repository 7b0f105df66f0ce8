package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/spf13/cobra"
)

var clientAddr string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the control state of a running node",
	RunE: func(cmd *cobra.Command, args []string) error {
		return printBridgeReply(map[string]any{"cmd": "status"})
	},
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that a node's control bridge is answering",
	RunE: func(cmd *cobra.Command, args []string) error {
		return printBridgeReply(map[string]any{"cmd": "ping"})
	},
}

var suitesCmd = &cobra.Command{
	Use:   "suites",
	Short: "List the cipher suites a node knows",
	RunE: func(cmd *cobra.Command, args []string) error {
		return printBridgeReply(map[string]any{"cmd": "get_suites"})
	},
}

var rekeyCmd = &cobra.Command{
	Use:   "rekey <suite>",
	Short: "Ask the coordinator to negotiate a switch to the given suite",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return printBridgeReply(map[string]any{"cmd": "rekey", "suite": args[0]})
	},
}

func init() {
	for _, c := range []*cobra.Command{statusCmd, pingCmd, suitesCmd, rekeyCmd} {
		c.Flags().StringVar(&clientAddr, "addr", "127.0.0.1:48080", "control bridge address")
		rootCmd.AddCommand(c)
	}
}

// bridgeCall sends one command envelope to a bridge and returns the decoded
// reply.
func bridgeCall(addr string, payload map[string]any) (map[string]any, error) {
	conn, err := net.DialTimeout("tcp", addr, 3*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("read reply: %w", err)
	}
	var reply map[string]any
	if err := json.Unmarshal(line, &reply); err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}
	return reply, nil
}

func printBridgeReply(payload map[string]any) error {
	reply, err := bridgeCall(clientAddr, payload)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(reply, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	if ok, present := reply["ok"].(bool); present && !ok {
		return fmt.Errorf("bridge error: %v", reply["error"])
	}
	return nil
}
