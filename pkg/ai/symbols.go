package ai

import (
	"regexp"
	"strings"
)

var symbolPattern = regexp.MustCompile(`\$[A-Z]{1,5}\b|\b[A-Z]{1,5}\b`)

// commonWords are uppercase tokens that read as tickers but almost never are.
var commonWords = toSet(`I A THE AND OR BUT FOR TO IN ON AT BY WITH FROM AS IS WAS BE BEEN
HAVE HAS HAD DO DOES DID WILL WOULD COULD SHOULD MAY MIGHT CAN NOT NO YES SO IF OF MY ME
WE US YOU HE SHE IT THEY THEM THEIR BUY SELL HOLD LONG SHORT CALL PUT UP DOWN HIGH LOW
WANT NEED HELP GIVE GET GO MAKE TAKE COME SEE KNOW THINK LOOK GOOD NEW FIRST LAST BEST
NEXT OLD GREAT ABOUT AFTER ALL AN ANY ARE BACK BOTH EACH FEW INTO JUST LIKE MORE MOST
MUCH NOW ONLY OTHER OUT OVER SOME SUCH THAN THAT THEN THERE THESE THIS THOSE VERY WELL
WHAT WHEN WHERE WHICH WHO WHY YEAR YEARS TIME MONTH PC AM PM TV AI HR PR OK VS AD BC
ETF ETFS IRA TFSA RA USD EUR GBP ZAR CEO IPO`)

func toSet(words string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(words) {
		set[w] = true
	}
	return set
}

// ExtractSymbols returns the ticker-like tokens of text in order of first
// appearance. A "$" prefix always marks a ticker, even for blacklisted words.
func ExtractSymbols(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range symbolPattern.FindAllString(text, -1) {
		explicit := strings.HasPrefix(m, "$")
		sym := strings.TrimPrefix(m, "$")
		if seen[sym] || (!explicit && commonWords[sym]) {
			continue
		}
		seen[sym] = true
		out = append(out, sym)
	}
	return out
}
