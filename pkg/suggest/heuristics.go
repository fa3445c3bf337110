package suggest

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"smartwarehouse/internal/util"
)

const (
	keywordCategoryScore = 0.8
	minConfidence        = 0.6
	maxNameRunes         = 180
	maxTags              = 8
	defaultNameBase      = "Giày"
	visionDescription    = "Sản phẩm giày được phân tích bởi AI"
)

// CategoryLabels is the zero-shot label set and the seeded category table.
var CategoryLabels = []string{
	"Giày thể thao", "Giày boot", "Sandal", "Dép",
	"Giày cao gót", "Giày búp bê", "Giày lười", "Giày tây",
}

type keywordRule struct {
	keyword string
	value   string
}

// categoryRules is matched in order against lowercased caption+OCR text;
// the first substring hit wins.
var categoryRules = []keywordRule{
	{"sandal", "Sandal"},
	{"dép", "Dép"},
	{"slipper", "Dép"},
	{"flip flop", "Dép"},
	{"boot", "Giày boot"},
	{"sneaker", "Giày thể thao"},
	{"running", "Giày thể thao"},
	{"training", "Giày thể thao"},
	{"sport", "Giày thể thao"},
	{"heel", "Giày cao gót"},
	{"high heel", "Giày cao gót"},
	{"pump", "Giày búp bê"},
	{"flat", "Giày búp bê"},
	{"loafer", "Giày lười"},
	{"oxford", "Giày tây"},
	{"formal", "Giày tây"},
}

// colorRules maps any keyword (several languages) to the canonical color, in
// order. Short keywords match as whole words ("red" is not in "colored").
var colorRules = []tagRule{
	rule("Black", auto, "đen", "black", "blk", "noir", "schwarz"),
	rule("White", auto, "trắng", "white", "wht", "blanc", "weiß"),
	rule("Red", auto, "đỏ", "red", "rouge", "rot"),
	rule("Blue", auto, "xanh dương", "blue", "bleu", "blau"),
	rule("Green", auto, "xanh lá", "green", "vert", "grün"),
	rule("Grey", auto, "xám", "grey", "gray", "gris", "grau"),
	rule("Brown", auto, "nâu", "brown", "brun", "braun"),
}

var brands = []string{
	"Nike", "Adidas", "Puma", "Reebok", "New Balance", "Converse",
	"Vans", "Asics", "Skechers", "Mizuno", "Li-Ning",
}

// matcher is a keyword test against lowercased text. Whole-word matchers are
// used where a substring would misfire ("men" in "women").
type matcher struct {
	keyword string
	word    *regexp.Regexp
}

func (m matcher) match(text string) bool {
	if m.word != nil {
		return m.word.MatchString(text)
	}
	return strings.Contains(text, m.keyword)
}

func substr(kw string) matcher { return matcher{keyword: kw} }

func word(kw string) matcher {
	return matcher{
		keyword: kw,
		word:    regexp.MustCompile(`(^|[^\p{L}\p{N}])` + regexp.QuoteMeta(kw) + `($|[^\p{L}\p{N}])`),
	}
}

// auto matches short keywords as words and longer ones as substrings.
func auto(kw string) matcher {
	if utf8.RuneCountInString(kw) <= 3 {
		return word(kw)
	}
	return substr(kw)
}

type tagRule struct {
	tag      string
	matchers []matcher
}

func rule(tag string, build func(string) matcher, keywords ...string) tagRule {
	r := tagRule{tag: tag}
	for _, kw := range keywords {
		r.matchers = append(r.matchers, build(kw))
	}
	return r
}

func (r tagRule) match(text string) bool {
	for _, m := range r.matchers {
		if m.match(text) {
			return true
		}
	}
	return false
}

var (
	genderRules = []tagRule{
		rule("nữ", word, "women", "female", "nữ"),
		rule("nam", word, "men", "male", "nam"),
		rule("unisex", word, "unisex", "both"),
	}
	tagRules = append(append([]tagRule{}, genderRules...),
		rule("thể thao", auto, "sport", "running", "training"),
		rule("thường ngày", auto, "casual", "daily", "everyday"),
		rule("công sở", auto, "formal", "office", "dress"),
		rule("đi biển", auto, "beach", "summer", "vacation"),
		rule("leo núi", auto, "hiking", "outdoor", "trail"),
		rule("da", auto, "leather", "da"),
		rule("vải", auto, "canvas", "vải"),
		rule("lưới", auto, "mesh", "lưới"),
		rule("cao su", auto, "rubber", "cao su"),
		rule("có gót", auto, "heel", "gót"),
		rule("đế bằng", auto, "flat", "bằng"),
		rule("có dây", auto, "strap", "dây"),
		rule("không dây", auto, "slip on", "không dây"),
	)
	// captionRules add Vietnamese descriptors to the composed name.
	captionRules = []tagRule{
		rule("nữ", word, "women", "female"),
		rule("nam", word, "men", "male"),
		rule("đi biển", substr, "beach", "summer"),
		rule("thường ngày", substr, "casual"),
		rule("thể thao", substr, "sport", "running"),
	}
)

var (
	captionStopWords = map[string]struct{}{
		"a": {}, "the": {}, "shoe": {}, "shoes": {}, "pair": {}, "of": {}, "footwear": {}, "item": {},
	}
	captionKeepWords = map[string]struct{}{
		"strap": {}, "heel": {}, "flat": {}, "leather": {}, "canvas": {}, "mesh": {}, "lace": {},
	}

	ocrSizePattern     = regexp.MustCompile(`\b(3[5-9]|4[0-6])\b`)
	captionSizePattern = regexp.MustCompile(`size\s*(\d{2})`)
	alnumToken         = regexp.MustCompile(`[A-Za-z0-9_]+`)
	nonSKUChars        = regexp.MustCompile(`[^A-Z0-9]+`)
)

// DetectCategory returns the first keyword category found in text.
func DetectCategory(text string) (string, bool) {
	text = strings.ToLower(text)
	for _, r := range categoryRules {
		if strings.Contains(text, r.keyword) {
			return r.value, true
		}
	}
	return "", false
}

// NormalizeColor returns the canonical color named anywhere in the sampled
// color name or the context text. Without a keyword hit it falls back to the
// sampled name itself.
func NormalizeColor(sampled, context string) string {
	text := strings.ToLower(sampled + " " + context)
	for _, r := range colorRules {
		if r.match(text) {
			return r.tag
		}
	}
	if sampled == "" {
		return ""
	}
	return upperFirst(strings.ToLower(sampled))
}

// DetectSize prefers a shoe size 35-46 in OCR text, then "size NN" in the caption.
func DetectSize(ocr, caption string) string {
	if m := ocrSizePattern.FindStringSubmatch(ocr); m != nil {
		return m[1]
	}
	if m := captionSizePattern.FindStringSubmatch(caption); m != nil {
		return m[1]
	}
	return ""
}

// DetectBrand returns the first listed brand contained in text, case-insensitively.
func DetectBrand(text string) string {
	text = strings.ToLower(text)
	for _, b := range brands {
		if strings.Contains(text, strings.ToLower(b)) {
			return b
		}
	}
	return ""
}

// DetectModelCode returns the first 4-10 character alphanumeric token that
// mixes letters and digits, upper-cased (AQ1234, M20324).
func DetectModelCode(text string) string {
	for _, tok := range alnumToken.FindAllString(text, -1) {
		if len(tok) < 4 || len(tok) > 10 || strings.Contains(tok, "_") {
			continue
		}
		var letter, digit bool
		for _, r := range tok {
			if unicode.IsLetter(r) {
				letter = true
			} else if unicode.IsDigit(r) {
				digit = true
			}
		}
		if letter && digit {
			return strings.ToUpper(tok)
		}
	}
	return ""
}

// ComposeName builds "<category> <descriptors> <brand> màu <color>", capped at 180 runes.
func ComposeName(caption, category, color, brand string) string {
	parts := []string{defaultNameBase}
	if category != "" {
		parts[0] = category
	}
	if caption != "" && caption != "a shoe" && caption != "shoe" {
		if filtered := filterCaption(caption); filtered != "" {
			parts = append(parts, filtered)
		}
	}
	if brand != "" {
		parts = append(parts, brand)
	}
	if color != "" {
		parts = append(parts, "màu "+strings.ToLower(color))
	}
	return truncateRunes(strings.TrimSpace(strings.Join(parts, " ")), maxNameRunes)
}

func filterCaption(caption string) string {
	caption = strings.ToLower(strings.TrimSpace(caption))
	var out []string
	for _, w := range strings.Split(caption, " ") {
		w = strings.Trim(w, ".,!?")
		if _, stop := captionStopWords[w]; stop || len(w) <= 2 {
			continue
		}
		if _, keep := captionKeepWords[w]; keep {
			out = append(out, w)
		}
	}
	for _, r := range captionRules {
		if r.match(caption) {
			out = append(out, r.tag)
		}
	}
	return strings.Join(unique(out), " ")
}

// SmartSKU builds INITIALS-MODEL-CO-SIZE-RAND, omitting empty segments.
// Initials come from the brand-prefixed name with diacritics folded.
func SmartSKU(name, color, size, brand, modelCode, random string) string {
	base := name
	if brand != "" {
		base = brand + " " + name
	}
	initials := ""
	for _, w := range nonSKUChars.Split(skuText(base), -1) {
		if w == "" {
			continue
		}
		initials += w[:1]
		if len(initials) >= 4 {
			break
		}
	}
	if initials == "" {
		initials = "PRD"
	}
	c2 := "NA"
	if code := colorCode(color); code != "" {
		c2 = code
	}
	sz := nonSKUChars.ReplaceAllString(skuText(size), "")
	if sz == "" {
		sz = "SZ"
	}
	return joinNonEmpty("-", initials, nonSKUChars.ReplaceAllString(strings.ToUpper(modelCode), ""), c2, sz, random)
}

// SimpleSKU builds SKU-CO-SIZE-RAND for providers that did not return one.
func SimpleSKU(color, size, random string) string {
	return joinNonEmpty("-", "SKU", colorCode(color), nonSKUChars.ReplaceAllString(skuText(size), "")) + "-" + random
}

// ExtractTags derives at most eight distinct tags from the text and attributes.
func ExtractTags(caption, ocr, category, color, size, brand string) []string {
	text := strings.ToLower(caption + " " + ocr)
	var out []string
	for _, r := range tagRules {
		if r.match(text) {
			out = append(out, r.tag)
		}
	}
	if category != "" {
		out = append(out, strings.ToLower(category))
	}
	if color != "" {
		out = append(out, strings.ToLower(color))
	}
	if brand != "" {
		out = append(out, strings.ToLower(brand))
	}
	if size != "" {
		out = append(out, "size-"+size)
	}
	out = unique(out)
	if len(out) > maxTags {
		out = out[:maxTags]
	}
	return out
}

func colorCode(color string) string {
	c := nonSKUChars.ReplaceAllString(skuText(color), "")
	if len(c) > 2 {
		c = c[:2]
	}
	return c
}

func skuText(s string) string {
	return strings.ToUpper(util.FoldDiacritics(s))
}

func joinNonEmpty(sep string, parts ...string) string {
	var out []string
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, sep)
}

func unique(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func upperFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
