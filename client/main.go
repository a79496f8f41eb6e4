package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/codepair/codepair/commons"
	"github.com/codepair/codepair/monitor"
	"github.com/codepair/codepair/persist"
	"github.com/codepair/codepair/session"
	"github.com/codepair/codepair/sync"
)

var (
	flags  Flags
	logger = logrus.New()
)

// cursorColors is the palette remote peers are labeled with.
var cursorColors = []string{"#e06c75", "#61afef", "#98c379", "#c678dd", "#e5c07b", "#56b6c2"}

func main() {
	flags = parseFlags()

	s := bufio.NewScanner(os.Stdin)

	// Read username.
	name := flags.Name
	if name == "" {
		fmt.Printf("%s", color.YellowString("Enter your name: "))
		s.Scan()
		name = s.Text()
	}
	if name == "" {
		name = "anonymous"
	}

	logFile, debugLogFile, err := setupLogger(logger)
	if err != nil {
		fmt.Printf("Logger setup error, exiting: %s", err)
		os.Exit(0)
	}
	defer closeLogFiles(logFile, debugLogFile)

	if flags.Debug {
		logger.SetLevel(logrus.DebugLevel)
	}

	userID := uuid.New().String()
	self := commons.PresenceRecord{
		UserID:   userID,
		Username: name,
		Color:    cursorColors[int(userID[0])%len(cursorColors)],
	}

	// Display welcome message.
	color.Green("\nWelcome %s!\n", name)
	color.Green("Joining session %q @ %s\n", flags.Session, flags.Server)
	color.Yellow("Type h for help, or !q to exit.\n")

	cache, err := persist.OpenCache(filepath.Join(codepairDir(), "cache.db"))
	if err != nil {
		color.Red("Local cache error, exiting: %s", err)
		os.Exit(0)
	}
	defer cache.Close()

	backend := persist.NewAPIBackend(serverURL(flags), nil)

	sess := session.New(session.Config{
		SessionID: flags.Session,
		Self:      self,
		Channel: sync.NewChannel(sync.Config{
			SessionID: flags.Session,
			Self:      self,
			Dial: func(ctx context.Context) (sync.Relay, error) {
				return sync.DialWS(ctx, relayURL(flags), logger)
			},
			Logger: logger,
		}),
		Monitor: monitor.New(monitor.Config{
			Probe:  monitor.HTTPProbe(serverURL(flags)+"/health", nil),
			Logger: logger,
		}),
		Coordinator: persist.NewCoordinator(persist.CoordinatorConfig{
			SessionID: flags.Session,
			UserID:    userID,
			Backend:   backend,
			Cache:     cache,
			Logger:    logger,
		}),
		OnRemoteChange: func(content string) {
			logger.Debugf("document updated remotely, now %d bytes", len(content))
		},
		Logger: logger,
	})

	if err := sess.Start(context.Background()); err != nil {
		color.Red("Connection error, exiting: %s", err)
		os.Exit(0)
	}

	runCommands(sess, s)
}

// runCommands scans stdin and drives the session with simple edit commands,
// one per line.
func runCommands(sess *session.Session, s *bufio.Scanner) {
	for {
		fmt.Print("> ")
		if !s.Scan() {
			shutdown(sess)
			return
		}
		line := strings.TrimRight(s.Text(), "\n")

		switch {
		case line == "!q":
			fmt.Println("Goodbye!")
			shutdown(sess)
			return

		case line == "h":
			printHelp()

		case line == "p":
			color.Cyan("%s\n", sess.Content())

		case line == "w":
			for _, peer := range sess.RemoteCursors() {
				if peer.Cursor != nil {
					color.Magenta("%s @ line %d, col %d\n", peer.Username, peer.Cursor.Line, peer.Cursor.Column)
				} else {
					color.Magenta("%s\n", peer.Username)
				}
			}

		case line == "s":
			saved := "saving..."
			if sess.Saved() {
				saved = "saved"
			}
			color.Yellow("%s, %s, version %d\n", sess.Status().Kind, saved, sess.Version())

		case strings.HasPrefix(line, "i "):
			parts := strings.SplitN(line, " ", 3)
			if len(parts) < 3 {
				color.Red("usage: i <position> <text>\n")
				continue
			}
			pos, err := strconv.Atoi(parts[1])
			if err != nil {
				color.Red("bad position %q\n", parts[1])
				continue
			}
			sess.Insert(pos, parts[2])

		case strings.HasPrefix(line, "d "):
			parts := strings.Fields(line)
			if len(parts) != 3 {
				color.Red("usage: d <position> <length>\n")
				continue
			}
			pos, err1 := strconv.Atoi(parts[1])
			length, err2 := strconv.Atoi(parts[2])
			if err1 != nil || err2 != nil {
				color.Red("position and length must be integers\n")
				continue
			}
			sess.Delete(pos, length)

		case line == "":

		default:
			color.Red("unknown command %q, type h for help\n", line)
		}
	}
}

func printHelp() {
	color.Yellow("i <position> <text>   insert text at a byte offset\n")
	color.Yellow("d <position> <length> delete a range\n")
	color.Yellow("p                     print the document\n")
	color.Yellow("w                     list connected peers\n")
	color.Yellow("s                     connection and save status\n")
	color.Yellow("!q                    save and quit\n")
}

func shutdown(sess *session.Session) {
	if err := sess.Close(context.Background()); err != nil {
		color.Red("Final save failed: %s", err)
		logger.Errorf("final save failed: %v", err)
	}
}
