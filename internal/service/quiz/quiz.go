// Package quiz generates structured practice quizzes over the chat provider.
// The model is asked for strict JSON; a response that does not parse falls
// back to a built-in quiz so the page always has something to show.
package quiz

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"classpilot/internal/models"
)

// Caller is the streaming chat surface quiz generation needs.
type Caller interface {
	StreamChat(ctx context.Context, messages []models.Message, callback func(string) error) (string, error)
}

// Type names a question format.
type Type string

const (
	TypeMultiple    Type = "multiple"
	TypeTrueFalse   Type = "true_false"
	TypeShortAnswer Type = "short_answer"
)

// Question is one generated quiz item. Options is empty for OX and
// short-answer questions.
type Question struct {
	Type        Type     `json:"type"`
	Question    string   `json:"question"`
	Options     []string `json:"options,omitempty"`
	Answer      string   `json:"answer"`
	Explanation string   `json:"explanation"`
}

// Quiz is a generated question set.
type Quiz struct {
	Questions []Question `json:"questions"`
}

// Request describes the quiz to generate. Zero values fall back to five
// multiple-choice questions at difficulty 2.
type Request struct {
	Category   string `json:"category"`
	Grade      string `json:"grade"`
	Type       Type   `json:"type"`
	Count      int    `json:"count"`
	Difficulty int    `json:"difficulty"`
}

func (r *Request) normalize() {
	switch r.Type {
	case TypeMultiple, TypeTrueFalse, TypeShortAnswer:
	default:
		r.Type = TypeMultiple
	}
	if r.Count <= 0 {
		r.Count = 5
	}
	if r.Count > 20 {
		r.Count = 20
	}
	if r.Difficulty < 1 || r.Difficulty > 5 {
		r.Difficulty = 2
	}
}

// Service generates quizzes through one chat provider.
type Service struct {
	ai Caller
}

func NewService(ai Caller) *Service {
	return &Service{ai: ai}
}

// Generate builds the quiz prompt, asks the provider and parses the JSON it
// returns. Provider failures and malformed responses yield the fallback quiz,
// never an error.
func (s *Service) Generate(ctx context.Context, req Request) *Quiz {
	req.normalize()

	text, err := s.ai.StreamChat(ctx, []models.Message{
		{Role: models.RoleUser, Content: buildPrompt(req)},
	}, nil)
	if err != nil {
		logrus.WithError(err).Warn("quiz generation failed, serving fallback quiz")
		return fallbackQuiz(req.Type, req.Count)
	}

	quiz, ok := parseQuiz(text)
	if !ok {
		logrus.WithField("type", req.Type).Warn("quiz response unparseable, serving fallback quiz")
		return fallbackQuiz(req.Type, req.Count)
	}
	return quiz
}

func buildPrompt(req Request) string {
	grade := req.Grade
	if grade == "" {
		grade = "미정"
	}
	return fmt.Sprintf(`당신은 학생을 위한 퀴즈 출제 도우미입니다.

요구사항:
- 카테고리: %s
- 학년: %s
- 유형: %s
- 문제 수: %d
- 난이도: %d (1 쉬움 ~ 5 어려움)

JSON만 반환하세요. 형식은 아래 예시를 정확히 따르세요.

{
  "questions": [
    {
      "type": "%s",
      "question": "문제 내용",
      "options": ["보기1", "보기2", "보기3", "보기4"],
      "answer": "정답 텍스트 또는 보기 인덱스(0부터)",
      "explanation": "간단한 해설"
    }
  ]
}`, req.Category, grade, req.Type, req.Count, req.Difficulty, req.Type)
}

// parseQuiz tolerates the markdown code fences models like to wrap JSON in.
func parseQuiz(text string) (*Quiz, bool) {
	cleaned := strings.TrimSpace(text)
	cleaned = strings.Trim(cleaned, "`")
	cleaned = strings.TrimSpace(cleaned)
	if len(cleaned) >= 4 && strings.EqualFold(cleaned[:4], "json") {
		cleaned = strings.TrimSpace(cleaned[4:])
	}

	var quiz Quiz
	if err := json.Unmarshal([]byte(cleaned), &quiz); err != nil {
		return nil, false
	}
	if len(quiz.Questions) == 0 {
		return nil, false
	}
	return &quiz, true
}

func fallbackQuiz(quizType Type, count int) *Quiz {
	quiz := &Quiz{Questions: make([]Question, 0, count)}
	for i := 0; i < count; i++ {
		switch quizType {
		case TypeTrueFalse:
			quiz.Questions = append(quiz.Questions, Question{
				Type:        TypeTrueFalse,
				Question:    "물은 100도에서 끓는다.",
				Answer:      "true",
				Explanation: "표준 기압에서 물의 끓는점은 100도입니다.",
			})
		case TypeShortAnswer:
			quiz.Questions = append(quiz.Questions, Question{
				Type:        TypeShortAnswer,
				Question:    "사과를 영어로 뭐라고 하나요?",
				Answer:      "apple",
				Explanation: "사과는 apple이라고 해요.",
			})
		default:
			quiz.Questions = append(quiz.Questions, Question{
				Type:     TypeMultiple,
				Question: fmt.Sprintf("%d + %d = ?", i+1, i+2),
				Options: []string{
					fmt.Sprint(i), fmt.Sprint(i + 1), fmt.Sprint(i + 2), fmt.Sprint(i + 3),
				},
				Answer:      "2",
				Explanation: "간단한 덧셈 문제예요.",
			})
		}
	}
	return quiz
}
