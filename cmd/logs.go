package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/goosewin/servebatch/internal/config"
)

var (
	logsFollow bool
	logsLines  int
)

var logsCmd = &cobra.Command{
	Use:   "logs [file]",
	Short: "Show the servebatch log file",
	Long:  "Logs prints the tail of the file configured as logging.file (or the one given).",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runLogs,
}

func init() {
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Follow log output")
	logsCmd.Flags().IntVarP(&logsLines, "lines", "n", 100, "Number of lines to show")
	rootCmd.AddCommand(logsCmd)
}

func runLogs(cmd *cobra.Command, args []string) error {
	logFile := config.GetString("logging.file", "")
	if rootLogFile != "" {
		logFile = rootLogFile
	}
	if len(args) > 0 {
		logFile = args[0]
	}
	if logFile == "" {
		return errors.New("no log file configured (set logging.file or pass --log-file)")
	}
	if _, err := os.Stat(logFile); err != nil {
		return fmt.Errorf("log file does not exist: %s", logFile)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Log file: %s\n\n", logFile)

	if logsFollow {
		return followLogFile(cmd.Context(), out, logFile, logsLines)
	}

	lines, err := tailLines(logFile, logsLines)
	if err != nil {
		return err
	}
	for _, line := range lines {
		fmt.Fprintln(out, line)
	}
	return nil
}

func tailLines(path string, limit int) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	if limit <= 0 {
		return []string{}, nil
	}

	buffer := make([]string, 0, limit)
	scanner := bufioScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if len(buffer) == limit {
			copy(buffer, buffer[1:])
			buffer[limit-1] = line
		} else {
			buffer = append(buffer, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return buffer, nil
}

func followLogFile(ctx context.Context, out io.Writer, path string, limit int) error {
	lines, err := tailLines(path, limit)
	if err != nil {
		return err
	}
	for _, line := range lines {
		fmt.Fprintln(out, line)
	}

	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	offset, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}

	reader := bufio.NewReader(file)
	for {
		line, readErr := reader.ReadString('\n')
		if readErr == nil {
			fmt.Fprintln(out, strings.TrimRight(line, "\n"))
			offset += int64(len(line))
			continue
		}

		if readErr != io.EOF {
			return readErr
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(500 * time.Millisecond):
		}
		if _, err := file.Seek(offset, io.SeekStart); err != nil {
			return err
		}
		reader.Reset(file)
	}
}

func bufioScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return scanner
}
