package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/stemsi/exstem-sat/internal/takeexam"
)

// navigator prints the review screen or the dashboard notice and ends the loop.
type navigator struct {
	out   io.Writer
	cache takeexam.ResultsCache
	once  sync.Once
	done  chan struct{}
}

func newNavigator(out io.Writer, cache takeexam.ResultsCache) *navigator {
	return &navigator{out: out, cache: cache, done: make(chan struct{})}
}

func (n *navigator) ToReview(examID takeexam.ExamID) {
	r, ok := n.cache.Get(examID)
	if !ok {
		fmt.Fprintln(n.out, "Exam submitted.")
	} else {
		fmt.Fprintf(n.out, "\nExam submitted: %s\n", r.Exam.Title)
		fmt.Fprintf(n.out, "Answered %d of %d questions, %d correct of %d scored.\n",
			r.AnsweredQuestions, r.TotalQuestions, r.CorrectAnswers, r.ScoredQuestions)
		if r.Score != nil {
			fmt.Fprintf(n.out, "Score: %.1f\n", *r.Score)
		}
		if r.Exam.AllowRetakes {
			fmt.Fprintln(n.out, "Retakes are allowed: run again with -retake.")
		}
	}
	n.finish()
}

func (n *navigator) ToDashboard() {
	fmt.Fprintln(n.out, "Left the exam. Your saved answers are kept.")
	n.finish()
}

func (n *navigator) finish() {
	n.once.Do(func() { close(n.done) })
}
