package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/stemsi/exstem-sat/internal/config"
	"github.com/stemsi/exstem-sat/internal/examclient"
	"github.com/stemsi/exstem-sat/internal/logger"
	"github.com/stemsi/exstem-sat/internal/takeexam"
	"golang.org/x/term"
)

const resultsTTL = 30 * time.Minute

func main() {
	var (
		examID string
		retake bool
	)
	flag.StringVar(&examID, "exam", "", "Exam ID to take")
	flag.BoolVar(&retake, "retake", false, "Reset a completed attempt before starting")
	flag.Parse()

	cfg := config.LoadClient()
	log := logger.SetupWriter(cfg.LogLevel, cfg.LogFormat, os.Stderr)

	if examID == "" {
		fmt.Fprintln(os.Stderr, "Usage: take-exam -exam <exam-id> [-retake]")
		os.Exit(2)
	}

	token := cfg.Token
	if token == "" {
		var err error
		if token, err = readToken(); err != nil {
			log.Fatal().Err(err).Msg("Failed to read token")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := examclient.New(cfg.APIURL, token, takeexam.ExamID(examID), cfg.HTTPTimeout, log)
	if retake {
		if err := client.Retake(ctx); err != nil {
			log.Fatal().Err(err).Msg("Retake failed")
		}
		fmt.Println("Previous attempt cleared.")
	}

	out := os.Stdout
	cache := takeexam.NewMemoryResultsCache(resultsTTL)
	nav := newNavigator(out, cache)

	sess := takeexam.Open(ctx, takeexam.ExamID(examID), takeexam.Deps{
		Provider:   client,
		Persister:  client,
		Submission: client,
		Fetcher:    client,
		Scorer:     client,
		Router:     takeexam.DifficultyRouter{Threshold: cfg.AdaptiveThreshold},
		Cache:      cache,
		Navigator:  nav,
		Notifier:   takeexam.NotifierFunc(func(n takeexam.Notice) { printNotice(out, n) }),
	}, log, takeexam.WithAnswerStoreOptions(takeexam.WithDebounce(cfg.SaveDebounce)))
	defer sess.Close()

	if msg, ok := loadFailure(sess.LoadState()); ok {
		fmt.Fprintln(out, msg)
		os.Exit(1)
	}

	tree := sess.Tree()
	fmt.Fprintf(out, "%s (%d questions)\n", tree.Title, tree.QuestionCount())
	fmt.Fprintln(out, "Type 'help' for commands.")
	render(out, sess)

	lines := make(chan string)
	go readLines(os.Stdin, lines)

	for {
		select {
		case <-ctx.Done():
			return
		case <-nav.done:
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := handle(ctx, out, sess, line); quit {
				return
			}
		}
	}
}

// handle runs one command line. It reports whether the loop should stop.
func handle(ctx context.Context, out io.Writer, sess *takeexam.Session, line string) bool {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToLower(cmd) {
	case "":
		return false
	case "help", "h", "?":
		printHelp(out)
		return false
	case "a", "answer":
		if arg == "" {
			fmt.Fprintln(out, "Usage: a <choice or text>")
			return false
		}
		sess.AnswerCurrent(arg)
	case "c", "clear":
		sess.AnswerCurrent("")
	case "f", "flag":
		if sess.ToggleFlagCurrent() {
			fmt.Fprintln(out, "Flagged for review.")
		} else {
			fmt.Fprintln(out, "Flag removed.")
		}
		return false
	case "n", "next":
		if !sess.Next() {
			fmt.Fprintln(out, "Last question of this module. Use 'done' to finish the module.")
			return false
		}
	case "p", "prev":
		if !sess.Previous() {
			fmt.Fprintln(out, "First question of this module.")
			return false
		}
	case "j", "jump":
		n, err := strconv.Atoi(arg)
		if err != nil || n < 1 {
			fmt.Fprintln(out, "Usage: j <question number in module>")
			return false
		}
		pos := sess.Position()
		pos.Question = n - 1
		if err := sess.JumpTo(pos); err != nil {
			fmt.Fprintln(out, "No such question in this module.")
			return false
		}
	case "u", "unanswered":
		if !sess.JumpToFirstUnanswered() {
			fmt.Fprintln(out, "Every question is answered.")
			return false
		}
	case "g", "flagged":
		if !sess.JumpToFirstFlagged() {
			fmt.Fprintln(out, "No flagged questions.")
			return false
		}
	case "s", "status":
		printStatus(out, sess)
		return false
	case "done":
		res, err := sess.CompleteModule(ctx)
		if err != nil {
			fmt.Fprintf(out, "Could not finish the module: %v\n", err)
			return false
		}
		fmt.Fprintf(out, "Module finished: %d/%d correct.\n", res.Score, res.Total)
		if res.Prompt != nil {
			printPrompt(out, *res.Prompt)
			return false
		}
	case "submit":
		p, err := sess.Submit()
		if err != nil {
			fmt.Fprintf(out, "Cannot submit: %v\n", err)
			return false
		}
		printPrompt(out, p)
		return false
	case "yes", "confirm":
		if err := sess.ConfirmSubmit(ctx); err != nil {
			fmt.Fprintln(out, "Submission failed. Type 'retry' to try again.")
		}
		return false
	case "retry":
		if err := sess.RetrySubmit(ctx); err != nil {
			fmt.Fprintln(out, "Submission failed again. Type 'retry' to try again.")
		}
		return false
	case "q", "quit":
		sess.Abort()
		return true
	default:
		fmt.Fprintf(out, "Unknown command %q. Type 'help'.\n", cmd)
		return false
	}

	render(out, sess)
	return false
}

func render(out io.Writer, sess *takeexam.Session) {
	m := sess.Module()
	q := sess.Current()
	if m == nil || q == nil {
		return
	}
	pos := sess.Position()
	store := sess.Store()

	fmt.Fprintf(out, "\n── %s ── question %d of %d (%d answered)", m.Title, pos.Question+1, len(m.Questions), sess.AnsweredInModule())
	if rem := sess.Snapshot().TimeRemainingSeconds; rem != nil {
		fmt.Fprintf(out, " ── %s left", formatSeconds(*rem))
	}
	fmt.Fprintln(out)
	if store.IsFlagged(q.Question.ID) {
		fmt.Fprintln(out, "[flagged]")
	}
	fmt.Fprintln(out, q.Question.Prompt)
	for _, line := range optionLines(q.Question.Options) {
		fmt.Fprintf(out, "  %s\n", line)
	}
	if v, ok := store.Answer(q.Question.ID); ok && v != "" {
		fmt.Fprintf(out, "Your answer: %s\n", v)
	}
}

// optionLines accepts [{"id","text"}] or a plain string list.
func optionLines(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var choices []struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &choices); err == nil {
		lines := make([]string, 0, len(choices))
		for _, c := range choices {
			lines = append(lines, fmt.Sprintf("%s) %s", c.ID, c.Text))
		}
		return lines
	}
	var plain []string
	if err := json.Unmarshal(raw, &plain); err == nil {
		return plain
	}
	return nil
}

func printStatus(out io.Writer, sess *takeexam.Session) {
	st := sess.Snapshot()
	fmt.Fprintf(out, "Answered %d, flagged %d, submission %s\n", len(answered(st.Answers)), len(st.Flagged), st.Submission)
	if st.TimeRemainingSeconds != nil {
		fmt.Fprintf(out, "Time remaining: %s\n", formatSeconds(*st.TimeRemainingSeconds))
	}
}

func answered(recs map[takeexam.BaseQuestionID]takeexam.AnswerRecord) []takeexam.BaseQuestionID {
	ids := make([]takeexam.BaseQuestionID, 0, len(recs))
	for id, r := range recs {
		if r.SelectedChoice != nil && *r.SelectedChoice != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func printPrompt(out io.Writer, p takeexam.Prompt) {
	switch p.Kind {
	case takeexam.PromptReview:
		fmt.Fprintf(out, "You have %d unanswered and %d flagged questions.\n", p.Summary.Unanswered, p.Summary.Flagged)
		fmt.Fprintln(out, "Use 'u' or 'g' to review them, or type 'yes' to submit anyway.")
	case takeexam.PromptConfirm:
		fmt.Fprintln(out, p.Message)
		fmt.Fprintln(out, "Type 'yes' to submit.")
	}
}

func printNotice(out io.Writer, n takeexam.Notice) {
	fmt.Fprintf(out, "\n[%s] %s\n", strings.ToUpper(string(n.Level)), n.Message)
}

func printHelp(out io.Writer) {
	fmt.Fprint(out, `Commands:
  a <value>   answer the current question      c        clear the answer
  f           toggle the review flag           n / p    next / previous question
  j <n>       jump to question n of the module u / g    first unanswered / flagged
  done        finish the module                submit   submit the exam
  yes         confirm submission               retry    retry a failed submission
  s           status                           q        leave without submitting
`)
}

func loadFailure(state takeexam.LoadState) (string, bool) {
	switch state {
	case takeexam.LoadReady:
		return "", false
	case takeexam.LoadNotFound:
		return "Exam not found or no active assignment.", true
	case takeexam.LoadUnauthorized:
		return "You are not assigned to this exam.", true
	case takeexam.LoadNoQuestions:
		return "This exam has no questions.", true
	default:
		return "Failed to load the exam. Please try again later.", true
	}
}

func formatSeconds(s int) string {
	return fmt.Sprintf("%02d:%02d", s/60, s%60)
}

func readLines(r io.Reader, out chan<- string) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		out <- sc.Text()
	}
	close(out)
}

func readToken() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("EXAM_TOKEN is not set and stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, "Student token: ")
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}
