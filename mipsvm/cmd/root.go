// Package cmd provides the command-line interface for mipsvm.
package cmd

import (
	"errors"
	"io/fs"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "mipsvm",
	Short: "mipsvm runs the virtual memory system of a MIPS teaching kernel.",
	Long: `mipsvm runs the virtual memory system of a MIPS teaching kernel. ` +
		`It manages physical frames, two-level page tables and the software ` +
		`TLB, and can record or serve everything that happens.`,
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		atexit.Exit(1)
	}

	atexit.Exit(0)
}

// loadEnv reads defaults from a .env file in the working directory.
// Variables already set in the environment win.
func loadEnv() error {
	err := godotenv.Load()
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	return err
}

func envUint(name string, fallback uint64) uint64 {
	v, ok := os.LookupEnv(name)
	if !ok {
		return fallback
	}

	n, err := strconv.ParseUint(v, 0, 64)
	if err != nil {
		return fallback
	}

	return n
}

func envInt(name string, fallback int64) int64 {
	v, ok := os.LookupEnv(name)
	if !ok {
		return fallback
	}

	n, err := strconv.ParseInt(v, 0, 64)
	if err != nil {
		return fallback
	}

	return n
}

func envBool(name string, fallback bool) bool {
	v, ok := os.LookupEnv(name)
	if !ok {
		return fallback
	}

	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}

	return b
}
