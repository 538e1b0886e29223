package phase

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"phaseloop/internal/llm"
	"phaseloop/internal/logging"
)

// Specialist is a read-only advisor a phase can consult.
type Specialist struct {
	Name         string
	SystemPrompt string
}

// Consultation is one specialist's answer.
type Consultation struct {
	Specialist string
	Advice     string
	Confidence float64 // 0-1
	Caveats    []string
	Duration   time.Duration
	Err        error
}

// ConsultationPool fans a question out to specialists with bounded
// parallelism. Every consultation is joined before Consult returns and none
// of them touch pipeline state.
type ConsultationPool struct {
	client      llm.Client
	maxParallel int
	timeout     time.Duration
	log         *logging.CategoryLogger
}

// NewConsultationPool creates a pool. maxParallel <= 0 means 4.
func NewConsultationPool(client llm.Client, maxParallel int, timeout time.Duration, log *logging.Logger) *ConsultationPool {
	if maxParallel <= 0 {
		maxParallel = 4
	}
	if log == nil {
		log = logging.NewNop()
	}
	return &ConsultationPool{
		client:      client,
		maxParallel: maxParallel,
		timeout:     timeout,
		log:         log.Get(logging.CategoryPhase),
	}
}

// Consult asks every specialist the question. Individual failures are
// reported in Consultation.Err; the returned error is non-nil only when ctx
// ended. Results keep the order of specialists.
func (p *ConsultationPool) Consult(ctx context.Context, question, background string, specialists []Specialist) ([]Consultation, error) {
	out := make([]Consultation, len(specialists))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.maxParallel)
	for i, spec := range specialists {
		g.Go(func() error {
			out[i] = p.consultOne(gctx, spec, question, background)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return out, err
	}
	failed := 0
	for _, c := range out {
		if c.Err != nil {
			failed++
		}
	}
	p.log.Debug("Consulted %d specialists (%d failed)", len(specialists), failed)
	return out, nil
}

func (p *ConsultationPool) consultOne(ctx context.Context, spec Specialist, question, background string) Consultation {
	start := time.Now()
	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: spec.SystemPrompt},
		{Role: llm.RoleUser, Content: buildConsultationPrompt(question, background)},
	}
	resp, err := p.client.Chat(ctx, msgs, nil, p.timeout)
	c := Consultation{Specialist: spec.Name, Duration: time.Since(start)}
	if err != nil {
		p.log.Warn("Consultation with %s failed: %v", spec.Name, err)
		c.Err = fmt.Errorf("consultation with %s failed: %w", spec.Name, err)
		return c
	}
	parseConsultation(&c, resp.Content)
	return c
}

func buildConsultationPrompt(question, background string) string {
	var sb strings.Builder
	sb.WriteString("CONSULTATION REQUEST\n\n")
	fmt.Fprintf(&sb, "Question: %s\n\n", question)
	if background != "" {
		fmt.Fprintf(&sb, "Context:\n%s\n\n", background)
	}
	sb.WriteString(`Structure your response as:

ADVICE:
[Your main advice]

CONFIDENCE: [0-100]

CAVEATS:
[Important limitations, one per line]`)
	return sb.String()
}

// parseConsultation reads the ADVICE / CONFIDENCE / CAVEATS sections. An
// unstructured reply becomes the advice verbatim.
func parseConsultation(c *Consultation, text string) {
	c.Confidence = 0.7
	var section string
	var advice, caveats []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "ADVICE:"):
			section = "advice"
			if rest := strings.TrimSpace(strings.TrimPrefix(trimmed, "ADVICE:")); rest != "" {
				advice = append(advice, rest)
			}
		case strings.HasPrefix(trimmed, "CONFIDENCE:"):
			section = ""
			var conf int
			if _, err := fmt.Sscanf(strings.TrimSpace(strings.TrimPrefix(trimmed, "CONFIDENCE:")), "%d", &conf); err == nil {
				c.Confidence = float64(min(max(conf, 0), 100)) / 100.0
			}
		case strings.HasPrefix(trimmed, "CAVEATS:"):
			section = "caveats"
		case trimmed == "":
		case section == "advice":
			advice = append(advice, trimmed)
		case section == "caveats":
			caveats = append(caveats, strings.TrimPrefix(trimmed, "- "))
		}
	}
	c.Advice = strings.Join(advice, "\n")
	c.Caveats = caveats
	if c.Advice == "" {
		c.Advice = strings.TrimSpace(text)
	}
}

// FormatConsultations renders successful consultations for a prompt.
func FormatConsultations(cs []Consultation) string {
	var sb strings.Builder
	for _, c := range cs {
		if c.Err != nil || c.Advice == "" {
			continue
		}
		if sb.Len() == 0 {
			sb.WriteString("## Specialist Consultation Results\n\n")
		}
		fmt.Fprintf(&sb, "### %s (Confidence: %.0f%%)\n\n%s\n\n", c.Specialist, c.Confidence*100, c.Advice)
		if len(c.Caveats) > 0 {
			sb.WriteString("**Caveats:**\n")
			for _, cv := range c.Caveats {
				fmt.Fprintf(&sb, "- %s\n", cv)
			}
			sb.WriteString("\n")
		}
	}
	return sb.String()
}
