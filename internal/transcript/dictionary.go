package transcript

import "strings"

// Correction rewrites one recurring misrecognition.
type Correction struct {
	Wrong string
	Right string
}

// Dictionary is applied in order; each entry replaces every occurrence.
type Dictionary []Correction

// HindiTech fixes the engine's usual misspellings of tech vocabulary in
// Devanagari output. No replacement contains any key, so applying it twice
// changes nothing.
var HindiTech = Dictionary{
	{"एएई ट्रेंड", "एआई ट्रेंड"},
	{"चाजजीपीटी", "चैटजीपीटी"},
	{"अपलूट", "अपलोड"},
	{"सिक्रित", "सीक्रेट"},
	{"प्रम्ट", "प्रॉम्ट"},
	{"ताईप", "टाइप"},
	{"रेलिस्टेक", "रियलिस्टिक"},
	{"वीटियो", "वीडियो"},
	{"कनवर्ट", "कन्वर्ट"},
	{"चाएगे", "चाहिए"},
	{"कमन", "कमेंट"},
	{"दीम", "डीएम"},
	{"देदीम", "डीएम"},
	{"शोलो", "फॉलो"},
	{"एनने", "मिल"},
	{"जगर", "जगह"},
	{"वारल", "वायरल"},
}

func (d Dictionary) Apply(text string) string {
	for _, c := range d {
		text = strings.ReplaceAll(text, c.Wrong, c.Right)
	}
	return text
}
