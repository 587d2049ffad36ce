package gemini

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"

	"github.com/user/live-pulse/internal/live"
)

// generateFunc produces text for a prompt.
type generateFunc func(ctx context.Context, prompt string) (string, error)

// GeminiSummariser writes a short recap of a finished live conversation.
type GeminiSummariser struct {
	client   *genai.Client
	model    string
	generate generateFunc
}

func NewGeminiSummariser(apiKey, model string) (*GeminiSummariser, error) {
	ctx := context.Background()
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	g := &GeminiSummariser{
		client: client,
		model:  model,
	}
	g.generate = g.generateContent
	return g, nil
}

func (g *GeminiSummariser) generateContent(ctx context.Context, prompt string) (string, error) {
	genModel := g.client.GenerativeModel(g.model)
	resp, err := genModel.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("failed to generate recap: %w", err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", fmt.Errorf("no recap generated")
	}

	var recap strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			recap.WriteString(string(text))
		}
	}
	return recap.String(), nil
}

// Recap summarises the turns of one live session.
func (g *GeminiSummariser) Recap(ctx context.Context, turns []live.Turn, mode live.AssistantMode) (string, error) {
	if len(turns) == 0 {
		return "", fmt.Errorf("no turns to recap")
	}

	prompt := g.buildPrompt(g.buildTranscript(turns), mode)
	recap, err := g.generate(ctx, prompt)
	if err != nil {
		return "", err
	}
	recap = strings.TrimSpace(recap)
	if recap == "" {
		return "", fmt.Errorf("no recap generated")
	}

	log.Info().
		Int("turns", len(turns)).
		Int("recap_length", len(recap)).
		Msg("Generated live session recap")

	return recap, nil
}

func (g *GeminiSummariser) buildTranscript(turns []live.Turn) string {
	var transcript strings.Builder

	for _, turn := range turns {
		timestamp := turn.Ended.Format("15:04:05")
		if turn.User != "" {
			transcript.WriteString(fmt.Sprintf("[%s] User: %s\n", timestamp, turn.User))
		}
		if turn.Model != "" {
			transcript.WriteString(fmt.Sprintf("[%s] Assistant: %s\n", timestamp, turn.Model))
		}
	}

	return transcript.String()
}

func (g *GeminiSummariser) buildPrompt(transcript string, mode live.AssistantMode) string {
	var style string
	switch mode {
	case live.ModeTechnical:
		style = "Keep technical terms and any steps that were agreed on."
	case live.ModeProductivity:
		style = "Lead with tasks and decisions."
	case live.ModeArtistic:
		style = "Capture the ideas and imagery that came up."
	case live.ModeUrdu:
		style = "Write the recap in the language the conversation mostly used."
	default:
		style = "Be concise."
	}

	return fmt.Sprintf(`You are recapping a spoken conversation between a user and an assistant. %s
Write at most five Markdown bullet points covering what was asked and answered.

**CONVERSATION:**
%s

**RECAP:**`, style, transcript)
}

func (g *GeminiSummariser) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}
