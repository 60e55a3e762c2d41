package openai

import (
	"fmt"

	"github.com/mihaimyh/genquota/pkg/genquota"
)

const flashcardsPrompt = `You are an expert educator. Create %d high-quality flashcards from the provided content. Return a JSON array where each object has:
- "front": A clear, concise question or prompt
- "back": A detailed answer or explanation
- "difficulty": "easy", "medium", or "hard"

Focus on key concepts, definitions, processes, and important facts. Make questions varied and educational.`

const quizPrompt = `You are an expert educator. Create %d multiple-choice quiz questions from the provided content. Return a JSON array where each object has:
- "question": A clear, specific question
- "options": An array of 4 possible answers
- "correctAnswer": The index (0-3) of the correct answer
- "explanation": A brief explanation of why the answer is correct

Make questions challenging but fair, covering different aspects of the content.`

func systemPrompt(t genquota.GenerationType, count int) (string, error) {
	switch t {
	case genquota.Flashcards:
		return fmt.Sprintf(flashcardsPrompt, count), nil
	case genquota.Quiz:
		return fmt.Sprintf(quizPrompt, count), nil
	default:
		return "", fmt.Errorf("%w: %q", genquota.ErrInvalidGenerationType, t)
	}
}

func userPrompt(content string) string {
	return "Content to process:\n\n" + content
}
