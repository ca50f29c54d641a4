package render

import (
	"fmt"
	"regexp"
	"strings"
)

// coreCSS covers the utility classes the starter compositions rely on.
const coreCSS = `*, *::before, *::after { box-sizing: border-box; margin: 0; padding: 0; }
.flex { display: flex; }
.items-center { align-items: center; }
.justify-center { justify-content: center; }
.flex-col { flex-direction: column; }
.relative { position: relative; }
.absolute { position: absolute; }
.inset-0 { top: 0; right: 0; bottom: 0; left: 0; }
.w-full { width: 100%; }
.h-full { height: 100%; }
.text-white { color: white; }
.font-bold { font-weight: 700; }
.bg-slate-900 { background-color: #0f172a; }
`

var hexClassRe = regexp.MustCompile(`(bg|text|border|from|to|via)-\[#([0-9a-fA-F]{3,6})\]`)

var classEscaper = strings.NewReplacer(`[`, `\[`, `]`, `\]`, `#`, `\#`)

// Stylesheet returns the core utilities followed by one rule per distinct
// arbitrary hex colour class (bg-[#ff0000], text-[#fff], ...) found in code.
func Stylesheet(code string) string {
	var b strings.Builder
	b.WriteString(coreCSS)

	seen := make(map[string]struct{})
	for _, m := range hexClassRe.FindAllStringSubmatch(code, -1) {
		full, kind, hex := m[0], m[1], m[2]
		if _, ok := seen[full]; ok {
			continue
		}
		seen[full] = struct{}{}

		prop := "color"
		switch kind {
		case "bg":
			prop = "background-color"
		case "border":
			prop = "border-color"
		}
		fmt.Fprintf(&b, ".%s { %s: #%s !important; }\n", classEscaper.Replace(full), prop, hex)
	}
	return b.String()
}
