package transcript

const (
	hinglishPrompt = "Namaste, ye ek AI trend video hai. Isme ChatGPT, photo upload, secret prompt, realistic video, image type, comment, dm aur follow ke bare mein baat ho rahi hai."
	hindiPrompt    = "नमस्ते, यह एक एआई ट्रेंड वीडियो है। इसमें चैटजीपीटी, फोटो अपलोड, सीक्रेट प्रॉम्प्ट, रियलिस्टिक वीडियो, इमेज टाइप, कमेंट, डीएम और फॉलो के बारे में बात हो रही है।"
)

// ResolveLanguage maps a user-facing language mode to the engine language
// (empty means detect) and a default initial prompt. A non-empty userPrompt
// always wins over the default.
func ResolveLanguage(mode, userPrompt string) (language, prompt string) {
	switch mode {
	case "", "auto":
		language = ""
	case "hinglish":
		language, prompt = "hi", hinglishPrompt
	case "hi":
		language, prompt = "hi", hindiPrompt
	default:
		language = mode
	}
	if userPrompt != "" {
		prompt = userPrompt
	}
	return language, prompt
}
