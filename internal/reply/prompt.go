package reply

import (
	"strings"
)

// EndConversationTool is the function name the models may call to end a session.
const EndConversationTool = "end_conversation"

// MaxToolRounds bounds the tool-call loop of a single reply.
const MaxToolRounds = 5

// LimitReply is returned when the tool loop runs out of rounds without text.
const LimitReply = "I'm sorry, I hit a limit. Please try again."

const voicePromptTemplate = "You are a helpful voice assistant. {language_instruction} {verbosity_instruction}"

var languageInstructions = map[string]string{
	"en": "The user's interface language is English. You must respond only in English. Use English for all replies, including greetings and goodbyes. " +
		"Speech recognition can mishear: only end the conversation when the user clearly and unambiguously says goodbye or that they are done (e.g. goodbye, that's all for now, I'm done). " +
		"If in doubt, respond normally and do not end.",
	"ja": "The user's interface language is Japanese. You must respond only in Japanese. Use Japanese for all replies, including greetings and goodbyes. " +
		"Speech recognition can mishear: only end the conversation when the user clearly and unambiguously says goodbye or that they are done (e.g. さようなら、以上です). " +
		"If in doubt, respond normally and do not end.",
}

var verbosityInstructions = map[string]string{
	"brief":    "Keep all responses very brief: 1–2 short sentences maximum. Avoid lists or long explanations.",
	"normal":   "Respond concisely. Prefer a few clear sentences; avoid unnecessary detail.",
	"detailed": "You may give longer, detailed responses when helpful. Still prefer clarity over length.",
}

var endToolDescriptions = map[string]string{
	"en": "Call this ONLY when the user unambiguously says they want to end (e.g. goodbye, that's all for now, I'm done thanks, no more questions). " +
		"Speech recognition can mishear: if the phrase is short or could be a misheard question, do NOT call this, respond normally. " +
		"When calling: reply with a brief thank you in English, then call this tool.",
	"ja": "Call this ONLY when the user unambiguously says they want to end (e.g. さようなら、ありがとうございました、以上です、もう結構です). " +
		"Speech recognition can mishear: if the phrase is short or could be a misheard question, do NOT call this, respond normally. " +
		"When calling: reply with a brief thank you in Japanese, then call this tool.",
}

var goodbyes = map[string]string{
	"en": "Thank you for talking with me. Goodbye!",
	"ja": "お話しできてありがとうございました。またね。",
}

// NormalizeLanguage maps a language or locale code onto a supported prompt language.
func NormalizeLanguage(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	if _, ok := languageInstructions[lang]; ok {
		return lang
	}
	return "en"
}

// NormalizeVerbosity returns brief, normal or detailed.
func NormalizeVerbosity(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if _, ok := verbosityInstructions[v]; ok {
		return v
	}
	return "normal"
}

// SystemMessage builds the voice system prompt for a language and verbosity.
func SystemMessage(lang, verbosity string) string {
	r := strings.NewReplacer(
		"{language_instruction}", languageInstructions[NormalizeLanguage(lang)],
		"{verbosity_instruction}", verbosityInstructions[NormalizeVerbosity(verbosity)],
	)
	return strings.TrimSpace(r.Replace(voicePromptTemplate))
}

// EndToolDescription describes the end_conversation tool in the user's language.
func EndToolDescription(lang string) string {
	return endToolDescriptions[NormalizeLanguage(lang)]
}

// Goodbye is spoken when the model ends the conversation without any text.
func Goodbye(lang string) string {
	return goodbyes[NormalizeLanguage(lang)]
}

// finish applies the fallbacks shared by the tool-calling generators.
func finish(text string, ended bool, lang string) *Reply {
	text = strings.TrimSpace(text)
	if ended && text == "" {
		text = Goodbye(lang)
	}
	if text == "" {
		text = LimitReply
	}
	return &Reply{Text: text, EndConversation: ended}
}
