// dache-bench is a small manual-verification client, in the spirit of
// the teacher's own cmd.go config/version subcommands: not a spec
// component, just a way to poke a running host from the shell.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/haneytron/dache/internal/protocol"
	"github.com/haneytron/dache/pkg/dacheclient"
)

var hostsFlag string

var rootCmd = &cobra.Command{
	Use:   "dache-bench",
	Short: "Exercise a dache cluster's get/set/del/keys operations from the command line",
}

func newClient() *dacheclient.Client {
	hosts := strings.Split(hostsFlag, ",")
	return dacheclient.NewClient(dacheclient.ClientConfig{
		CacheHosts:        hosts,
		RedundancyLayers:  1,
		ReconnectInterval: time.Second,
		CommTimeout:       5 * time.Second,
		SendQueueDepth:    64,
	})
}

var setCmd = &cobra.Command{
	Use:   "set KEY VALUE",
	Args:  cobra.ExactArgs(2),
	Short: "Set a key to a value with no expiration",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		defer c.Close()
		waitOnline(c)
		return c.Set(context.Background(),
			[]protocol.KeyValue{{Key: args[0], Value: []byte(args[1])}},
			protocol.Policy{}, "", false)
	},
}

var getCmd = &cobra.Command{
	Use:   "get KEY...",
	Args:  cobra.MinimumNArgs(1),
	Short: "Get one or more keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		defer c.Close()
		waitOnline(c)
		values, err := c.Get(context.Background(), args)
		if err != nil {
			return err
		}
		for i, key := range args {
			if values[i] == nil {
				fmt.Printf("%s: (absent)\n", key)
				continue
			}
			fmt.Printf("%s: %s\n", key, string(values[i]))
		}
		return nil
	},
}

var delCmd = &cobra.Command{
	Use:   "del KEY...",
	Args:  cobra.MinimumNArgs(1),
	Short: "Delete one or more keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		defer c.Close()
		waitOnline(c)
		return c.Del(context.Background(), args)
	},
}

var keysCmd = &cobra.Command{
	Use:   "keys [PATTERN]",
	Args:  cobra.MaximumNArgs(1),
	Short: "List keys matching a pattern",
	RunE: func(cmd *cobra.Command, args []string) error {
		pattern := "*"
		if len(args) == 1 {
			pattern = args[0]
		}
		c := newClient()
		defer c.Close()
		waitOnline(c)
		keys, err := c.Keys(context.Background(), pattern, nil)
		if err != nil {
			return err
		}
		for _, k := range keys {
			fmt.Println(k)
		}
		return nil
	},
}

func waitOnline(c *dacheclient.Client) {
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		online := false
		for _, b := range c.Router().Buckets() {
			if b.Online() {
				online = true
				break
			}
		}
		if online {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&hostsFlag, "hosts", "localhost:6380", "comma-separated list of cache host addresses")
	rootCmd.AddCommand(setCmd, getCmd, delCmd, keysCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
