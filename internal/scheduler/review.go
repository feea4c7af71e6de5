package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
)

const reviewCommentMaxLen = 1500

var howToTestPattern = regexp.MustCompile(`(?is)(?:^|\n)#{1,3}\s*how\s+to\s+test.*`)

// jsonlLine mirrors the agent CLI's stream-json event shape, only the
// fields this package reads.
type jsonlLine struct {
	Type    string `json:"type"`
	Result  string `json:"result"`
	Message struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
}

// extractTextFromJSONL pulls readable assistant text out of a stream-json
// stdout log: the final "result" line's result field, plus every
// "assistant" line's text content blocks.
func extractTextFromJSONL(raw string) string {
	var chunks []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var obj jsonlLine
		if err := json.Unmarshal([]byte(line), &obj); err != nil {
			chunks = append(chunks, line)
			continue
		}

		switch obj.Type {
		case "result":
			if obj.Result != "" {
				chunks = append(chunks, obj.Result)
			}
		case "assistant":
			for _, block := range obj.Message.Content {
				if block.Type == "text" && block.Text != "" {
					chunks = append(chunks, block.Text)
				}
			}
		}
	}
	return strings.Join(chunks, "\n\n")
}

// buildReviewComment extracts testing instructions from a completed
// session's stdout log, falling back to a tail-of-output summary.
func buildReviewComment(stdoutPath string, exitCode int) string {
	if stdoutPath == "" {
		return fmt.Sprintf("Session finished (exit code %d). No session output available.", exitCode)
	}

	raw, err := os.ReadFile(stdoutPath)
	if err != nil {
		return fmt.Sprintf("Session finished (exit code %d). Session log not found.", exitCode)
	}

	text := extractTextFromJSONL(string(raw))
	if strings.TrimSpace(text) == "" {
		return fmt.Sprintf("Session finished (exit code %d). No readable output found.", exitCode)
	}

	if m := howToTestPattern.FindString(text); m != "" {
		instructions := strings.TrimSpace(m)
		if len(instructions) > reviewCommentMaxLen {
			instructions = instructions[:reviewCommentMaxLen] + "..."
		}
		return instructions
	}

	lines := strings.Split(strings.TrimSpace(text), "\n")
	tailLines := lines
	if len(lines) > 40 {
		tailLines = lines[len(lines)-40:]
	}
	tail := strings.Join(tailLines, "\n")
	if len(tail) > reviewCommentMaxLen {
		tail = tail[len(tail)-reviewCommentMaxLen:]
	}
	return fmt.Sprintf("Session finished (exit code %d). No 'How to test' section found. Last output:\n\n%s", exitCode, tail)
}
