// mcroutectl is a small operator tool: it builds an in-process router from
// a configuration file and issues single cache operations through it.
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/TPNguyen/mcrouter"
	"github.com/TPNguyen/mcrouter/router"
)

const version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "mcroutectl",
	Short: "issue cache operations through a router configuration",
	Long: fmt.Sprintf(`mcroutectl (v%s)

Builds an embedded request router from a JSON configuration file and
sends individual cache operations through its route tree. Useful for
poking at a routing setup without a client application.`, version),
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of mcroutectl",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mcroutectl v%s\n", version)
	},
}

var getCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Reads the value for a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConn(func(conn *router.InternalConn) error {
			reply, err := conn.Do(&mcrouter.Request{Op: mcrouter.OpGet, Key: args[0]}).Get()
			if err != nil {
				return err
			}
			if reply.Result == mcrouter.ResFound {
				fmt.Printf("key=%s flags=%d value=%s\n", args[0], reply.Flags, reply.Value)
			} else {
				fmt.Printf("key=%s %s\n", args[0], reply.Result)
			}
			return nil
		})
	},
}

var setCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Stores a value under a key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConn(func(conn *router.InternalConn) error {
			req := &mcrouter.Request{
				Op:         mcrouter.OpSet,
				Key:        args[0],
				Value:      []byte(args[1]),
				Flags:      viper.GetUint32("flags"),
				Expiration: viper.GetUint32("expiration"),
			}
			reply, err := conn.Do(req).Get()
			if err != nil {
				return err
			}
			fmt.Println(reply.Result)
			return nil
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete [key]",
	Short: "Deletes a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConn(func(conn *router.InternalConn) error {
			reply, err := conn.Do(&mcrouter.Request{Op: mcrouter.OpDelete, Key: args[0]}).Get()
			if err != nil {
				return err
			}
			fmt.Println(reply.Result)
			return nil
		})
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Probes every backend of the route tree",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConn(func(conn *router.InternalConn) error {
			if !conn.HealthCheck() {
				return fmt.Errorf("route tree unhealthy")
			}
			fmt.Println("healthy")
			return nil
		})
	},
}

// withConn builds the internal connection from the configured file, runs
// fn and tears the connection down again.
func withConn(fn func(conn *router.InternalConn) error) error {
	path := viper.GetString("config")
	if path == "" {
		return fmt.Errorf("no configuration file, use --config")
	}
	blob, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	opts := router.Opts{
		ConnOpts: mcrouter.Opts{
			Timeout: viper.GetDuration("timeout"),
		},
	}
	conn, err := router.NewInternalConn(viper.GetString("name"), string(blob), opts)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(conn)
}

func init() {
	rootCmd.AddCommand(versionCmd, getCmd, setCmd, deleteCmd, healthCmd)

	rootCmd.PersistentFlags().String("config", "", "path to the router configuration file")
	rootCmd.PersistentFlags().String("name", "", "client-identifying name (generated when empty)")
	rootCmd.PersistentFlags().Duration("timeout", 5*time.Second, "per-request timeout")
	setCmd.Flags().Uint32("flags", 0, "opaque item flags")
	setCmd.Flags().Uint32("expiration", 0, "item expiration in seconds")

	viper.SetEnvPrefix("mcrouter")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	_ = viper.BindPFlags(rootCmd.PersistentFlags())
	_ = viper.BindPFlags(setCmd.Flags())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
