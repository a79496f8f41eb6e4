package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/writer"
)

// Flags represents the command-line flags that are passed to codepair's client.
type Flags struct {
	Server  string
	Secure  bool
	Session string
	Name    string
	Debug   bool
}

// parseFlags parses command-line flags.
func parseFlags() Flags {
	serverAddr := flag.String("server", "localhost:8080", "The network address of the server")
	useSecureConn := flag.Bool("secure", false, "Enable a secure WebSocket connection (wss://)")
	session := flag.String("session", "default", "The session to join")
	name := flag.String("name", "", "The display name to join with")
	enableDebug := flag.Bool("debug", false, "Enable debugging mode to show more verbose logs")

	flag.Parse()

	return Flags{
		Server:  *serverAddr,
		Secure:  *useSecureConn,
		Session: *session,
		Name:    *name,
		Debug:   *enableDebug,
	}
}

// serverURL builds the http(s) base URL for the document API.
func serverURL(flags Flags) string {
	if flags.Secure {
		return "https://" + flags.Server
	}
	return "http://" + flags.Server
}

// relayURL builds the ws(s) URL for the session's relay channel.
func relayURL(flags Flags) string {
	scheme := "ws"
	if flags.Secure {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s/ws/%s", scheme, flags.Server, flags.Session)
}

// ensureDirExists ensures that a directory exists, and if it isn't present, it tries to create a new one.
func ensureDirExists(path string) (bool, error) {
	// Check if the directory exists
	if _, err := os.Stat(path); err == nil {
		return true, nil
	}

	// Create the directory
	err := os.Mkdir(path, 0700)
	if err != nil {
		return false, err
	}

	return true, nil
}

// codepairDir returns the per-user state directory, falling back to the
// working directory when there is no home.
func codepairDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	dir := filepath.Join(homeDir, ".codepair")
	if ok, err := ensureDirExists(dir); !ok || err != nil {
		return "."
	}
	return dir
}

// setupLogger initializes the client's logger (logrus).
func setupLogger(logger *logrus.Logger) (*os.File, *os.File, error) {
	dir := codepairDir()
	logPath := filepath.Join(dir, "codepair.log")
	debugLogPath := filepath.Join(dir, "codepair-debug.log")

	// Open the log file and create if it does not exist.
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644) // skipcq: GSC-G302
	if err != nil {
		fmt.Printf("Logger error, exiting: %s", err)
		return nil, nil, err
	}

	// Create a separate log file for verbose logs.
	debugLogFile, err := os.OpenFile(debugLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644) // skipcq: GSC-G302
	if err != nil {
		fmt.Printf("Logger error, exiting: %s", err)
		return nil, nil, err
	}

	logger.SetOutput(io.Discard)
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.AddHook(&writer.Hook{
		Writer: logFile,
		LogLevels: []logrus.Level{
			logrus.WarnLevel,
			logrus.ErrorLevel,
			logrus.FatalLevel,
			logrus.PanicLevel,
		},
	})
	logger.AddHook(&writer.Hook{
		Writer: debugLogFile,
		LogLevels: []logrus.Level{
			logrus.TraceLevel,
			logrus.DebugLevel,
			logrus.InfoLevel,
		},
	})

	return logFile, debugLogFile, nil
}

// closeLogFiles closes the log files created by the client.
// closeLogFiles is meant to be used for defer calls.
func closeLogFiles(logFile, debugLogFile *os.File) {
	if err := logFile.Close(); err != nil {
		fmt.Printf("Failed to close log file: %s", err)
		return
	}

	if err := debugLogFile.Close(); err != nil {
		fmt.Printf("Failed to close debug log file: %s", err)
		return
	}
}
