// Package prompts holds the prompt templates for sentiment scoring,
// IR brief generation, and sentiment Q&A. Templates are kept compact:
// every token in a scoring prompt is paid for on each article.
package prompts

import (
	"fmt"
	"strings"
)

// sentimentTemplate asks for a strict JSON object so the response can
// be machine-parsed. Topics are forced lowercase for stable
// aggregation across articles.
const sentimentTemplate = `Analyze investor sentiment toward %s in this article.

Title: %s
Snippet: %s

Return valid JSON only:
{
  "sentiment": <float -1.0 to 1.0>,
  "label": "<negative|neutral|positive>",
  "topics": ["<topic1>", "<topic2>"]
}

Rules:
- sentiment: -1.0 (very negative) to 1.0 (very positive)
- label: must be exactly "negative", "neutral", or "positive"
- topics: max %d topics, each 2-4 words, ALWAYS USE LOWERCASE, be consistent with naming
  Examples: "regulatory concerns", "earnings performance", "product launch", "market volatility"`

// StrictReminder is appended on the one retry after a malformed
// response.
const StrictReminder = `

IMPORTANT: Your previous response could not be parsed. Respond with ONLY the JSON object — no markdown fences, no explanation, no text before or after the braces.`

// Sentiment builds the scoring prompt for one article/ticker pair.
func Sentiment(ticker, title, snippet string, maxTopics int) string {
	return fmt.Sprintf(sentimentTemplate, ticker, title, snippet, maxTopics)
}

const briefTemplate = `Create a 3-sentence IR brief for %s based on today's coverage.

Articles analyzed: %d
Average sentiment: %.2f (%s)
Top topics: %s

Sample headlines:
%s

Format:
1. Overall tone assessment (1 sentence)
2. Key narrative or theme (1 sentence)
3. Notable mention or shift (1 sentence)

Keep it factual and concise. No fluff.`

// Brief builds the daily IR brief prompt.
func Brief(ticker string, articleCount int, avgSentiment float64, sentimentLabel string, topTopics, headlines []string) string {
	topics := "No clear topics"
	if len(topTopics) > 0 {
		topics = strings.Join(topTopics, ", ")
	}
	heads := "No significant headlines"
	if len(headlines) > 0 {
		var b strings.Builder
		for _, h := range headlines {
			b.WriteString("- ")
			b.WriteString(h)
			b.WriteString("\n")
		}
		heads = strings.TrimRight(b.String(), "\n")
	}
	return fmt.Sprintf(briefTemplate, ticker, articleCount, avgSentiment, sentimentLabel, topics, heads)
}

const askTemplate = `You are an IR analyst assistant. Your task is to answer questions regarding the investor sentiment of the stock represented by %s. Use exclusively the following data to formulate your responses:

SENTIMENT SUMMARY:
- Date range: %s
- Average sentiment: %.2f
- Total articles analyzed: %d
- Trend: %s

DAILY BRIEFS:
%s

KEY ARTICLES:
%s

User question: %s

Your answer should be concise and factual, limited to 2-3 sentences. If the information provided does not allow for a valid answer, please indicate that explicitly.`

// Ask builds the Q&A prompt over aggregated sentiment context.
func Ask(ticker, dateRange string, avgSentiment float64, articleCount int, trend string, dailyBriefs, keyArticles []string, question string) string {
	briefs := "No daily briefs available"
	if len(dailyBriefs) > 0 {
		briefs = strings.Join(dailyBriefs, "\n")
	}
	articles := "No articles available"
	if len(keyArticles) > 0 {
		articles = strings.Join(keyArticles, "\n")
	}
	return fmt.Sprintf(askTemplate, ticker, dateRange, avgSentiment, articleCount, trend, briefs, articles, question)
}
