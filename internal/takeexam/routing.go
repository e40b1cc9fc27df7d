package takeexam

import (
	"context"
	"strings"
)

// ModuleContext is what a Router sees when a routing module completes.
type ModuleContext struct {
	ExamID       ExamID
	SectionIndex int
	Section      *Section
	Module       *Module
	Score        int
	Total        int
}

// Router picks the module that follows a routing module. An empty id means
// "no opinion": the evaluator falls back to document order.
type Router interface {
	NextModule(ctx context.Context, mc ModuleContext) (ModuleID, error)
}

// RouterFunc adapts a function to Router.
type RouterFunc func(ctx context.Context, mc ModuleContext) (ModuleID, error)

func (f RouterFunc) NextModule(ctx context.Context, mc ModuleContext) (ModuleID, error) {
	return f(ctx, mc)
}

// DefaultAdaptiveThreshold sends a routing score at or above it to the hard path.
const DefaultAdaptiveThreshold = 15

// DifficultyRouter routes to the HARD variant of the section when the score
// reaches Threshold, to the EASY variant otherwise. Variants are looked up in
// the loaded modules first, then in the section's lazy refs.
type DifficultyRouter struct {
	Threshold int
}

func (r DifficultyRouter) NextModule(_ context.Context, mc ModuleContext) (ModuleID, error) {
	want := DifficultyEasy
	if mc.Score >= r.Threshold {
		want = DifficultyHard
	}
	if mc.Section == nil {
		return "", nil
	}
	for _, m := range mc.Section.Modules {
		if m.Kind == ModuleKindAdaptive && m.Difficulty == want {
			return m.ID, nil
		}
	}
	for _, v := range mc.Section.Variants {
		if v.Difficulty == want {
			return v.ID, nil
		}
	}
	return "", nil
}

// ScoreBandRouter compares the score with Threshold; the first matching
// non-empty branch wins in the order LT, LTE, GT, GTE, then Default.
type ScoreBandRouter struct {
	Threshold int
	LT        ModuleID
	LTE       ModuleID
	GT        ModuleID
	GTE       ModuleID
	Default   ModuleID
}

func (r ScoreBandRouter) NextModule(_ context.Context, mc ModuleContext) (ModuleID, error) {
	s := mc.Score
	switch {
	case r.LT != "" && s < r.Threshold:
		return trimID(r.LT), nil
	case r.LTE != "" && s <= r.Threshold:
		return trimID(r.LTE), nil
	case r.GT != "" && s > r.Threshold:
		return trimID(r.GT), nil
	case r.GTE != "" && s >= r.Threshold:
		return trimID(r.GTE), nil
	}
	return trimID(r.Default), nil
}

func trimID(id ModuleID) ModuleID {
	return ModuleID(strings.TrimSpace(string(id)))
}
