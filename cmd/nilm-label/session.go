package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/nilmstack/nilm-engine/internal/models"
)

const (
	examplesPerGroup  = 3
	defaultConfidence = models.DefaultConfidence
)

var errQuit = errors.New("quit")

type backend interface {
	Unlabeled(ctx context.Context) ([]models.Event, error)
	Label(ctx context.Context, req models.LabelRequest) (int, error)
}

type group struct {
	magnitude float64
	events    []models.Event
}

// session walks an operator through the unlabeled magnitude groups.
type session struct {
	backend backend
	in      *bufio.Scanner
	out     io.Writer
}

func newSession(b backend, in io.Reader, out io.Writer) *session {
	return &session{backend: b, in: bufio.NewScanner(in), out: out}
}

// run returns the number of events labeled.
func (s *session) run(ctx context.Context) (int, error) {
	events, err := s.backend.Unlabeled(ctx)
	if err != nil {
		return 0, fmt.Errorf("load unlabeled events: %w", err)
	}
	if len(events) == 0 {
		fmt.Fprintln(s.out, "No unlabeled events found!")
		return 0, nil
	}

	groups := groupByMagnitude(events)
	s.summary(events, groups)

	total := 0
	for i, g := range groups {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := s.labelGroup(ctx, i+1, len(groups), g)
		if errors.Is(err, errQuit) {
			fmt.Fprintln(s.out, "Stopping.")
			break
		}
		if err != nil {
			return total, err
		}
		total += n
	}
	fmt.Fprintf(s.out, "\nLabeled %d events in total.\n", total)
	return total, nil
}

func (s *session) summary(events []models.Event, groups []group) {
	first, last := events[0].Timestamp, events[0].Timestamp
	for _, e := range events[1:] {
		if e.Timestamp.Before(first) {
			first = e.Timestamp
		}
		if e.Timestamp.After(last) {
			last = e.Timestamp
		}
	}
	fmt.Fprintf(s.out, "Found %d unlabeled events\n", len(events))
	fmt.Fprintf(s.out, "Date range: %s to %s\n", first.Format("2006-01-02 15:04:05"), last.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(s.out, "Unique power changes: %d\n", len(groups))
	for _, g := range groups {
		fmt.Fprintf(s.out, "  %+.1f W: %d events\n", g.magnitude, len(g.events))
	}
}

func (s *session) labelGroup(ctx context.Context, idx, of int, g group) (int, error) {
	fmt.Fprintf(s.out, "\n[%d/%d] Power change %+.1f W (%s), %d events\n", idx, of, g.magnitude, models.ChangeTypeFor(g.magnitude), len(g.events))
	for i, e := range g.events {
		if i == examplesPerGroup {
			fmt.Fprintf(s.out, "  ... and %d more\n", len(g.events)-examplesPerGroup)
			break
		}
		fmt.Fprintf(s.out, "  %s  %.1f W -> %.1f W\n", e.Timestamp.Format("2006-01-02 15:04:05"), e.PowerBefore, e.PowerAfter)
	}

	name, ok := s.prompt(fmt.Sprintf("What device causes a %+.1f W change? (name, 'skip', 'quit'): ", g.magnitude))
	if !ok {
		return 0, errQuit
	}
	switch strings.ToLower(name) {
	case "quit", "q", "exit":
		return 0, errQuit
	case "", "skip", "s":
		return 0, nil
	}

	confidence, err := s.confidence()
	if err != nil {
		return 0, err
	}

	updated, err := s.backend.Label(ctx, models.LabelRequest{
		PowerChange: g.magnitude,
		DeviceName:  name,
		Confidence:  confidence,
	})
	if err != nil {
		return 0, fmt.Errorf("label %+.1f W: %w", g.magnitude, err)
	}
	fmt.Fprintf(s.out, "Labeled %d events as %q (confidence %d)\n", updated, name, confidence)
	return updated, nil
}

func (s *session) confidence() (int, error) {
	for {
		answer, ok := s.prompt(fmt.Sprintf("Confidence 1-5 [%d]: ", defaultConfidence))
		if !ok {
			return 0, errQuit
		}
		if answer == "" {
			return defaultConfidence, nil
		}
		c, err := strconv.Atoi(answer)
		if err == nil && c >= 1 && c <= 5 {
			return c, nil
		}
		fmt.Fprintln(s.out, "Please enter a number between 1 and 5.")
	}
}

// prompt reports false once input is exhausted.
func (s *session) prompt(question string) (string, bool) {
	fmt.Fprint(s.out, question)
	if !s.in.Scan() {
		fmt.Fprintln(s.out)
		return "", false
	}
	return strings.TrimSpace(s.in.Text()), true
}

// groupByMagnitude buckets events by quantized magnitude, most frequent first.
func groupByMagnitude(events []models.Event) []group {
	index := make(map[float64]int)
	var groups []group
	for _, e := range events {
		key := models.QuantizeMagnitude(e.Magnitude)
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, group{magnitude: key})
		}
		groups[i].events = append(groups[i].events, e)
	}
	sort.SliceStable(groups, func(i, j int) bool {
		if len(groups[i].events) != len(groups[j].events) {
			return len(groups[i].events) > len(groups[j].events)
		}
		return groups[i].magnitude < groups[j].magnitude
	})
	for _, g := range groups {
		sort.SliceStable(g.events, func(i, j int) bool {
			return g.events[i].Timestamp.Before(g.events[j].Timestamp)
		})
	}
	return groups
}
