package device

import (
	"strings"
	"unicode"
)

const (

	// ScoreDefault is assigned to names matching no keyword at all
	ScoreDefault = 10

	// ScoreGenericBluetooth is assigned to names that look like a generic Bluetooth device
	ScoreGenericBluetooth = 30
)

type keywordRule struct {
	keywords []string
	score    int
	class    Class

	// wholeWord restricts matching to complete words (short tokens like "bt")
	wholeWord bool
}

// rules is evaluated in order, the first match wins
var rules = []keywordRule{
	{keywords: []string{"elm327"}, score: 95, class: ClassELM327},
	{keywords: []string{"elm 327"}, score: 95, class: ClassELM327},
	{keywords: []string{"vgate"}, score: 88, class: ClassOBD2},
	{keywords: []string{"icar"}, score: 86, class: ClassOBD2},
	{keywords: []string{"konnwei"}, score: 85, class: ClassOBD2},
	{keywords: []string{"veepeak"}, score: 84, class: ClassOBD2},
	{keywords: []string{"obdlink"}, score: 84, class: ClassOBD2},
	{keywords: []string{"autel"}, score: 80, class: ClassOBD2},
	{keywords: []string{"obd"}, score: 75, class: ClassOBD2},
	{keywords: []string{"car", "bluetooth"}, score: 60, class: ClassGeneric},
	{keywords: []string{"bluetooth"}, score: ScoreGenericBluetooth, class: ClassGeneric},
	{keywords: []string{"bt"}, score: ScoreGenericBluetooth, class: ClassGeneric, wholeWord: true},
	{keywords: []string{"spp"}, score: ScoreGenericBluetooth, class: ClassGeneric, wholeWord: true},
	{keywords: []string{"hc-05"}, score: ScoreGenericBluetooth, class: ClassGeneric},
	{keywords: []string{"hc-06"}, score: ScoreGenericBluetooth, class: ClassGeneric},
}

// Score returns the OBD2 compatibility score in [0,100] for a device name
func Score(name string) int {
	if r, ok := match(name); ok {
		return r.score
	}
	return ScoreDefault
}

// Classify returns the device class for a device name
func Classify(name string) Class {
	if r, ok := match(name); ok {
		return r.class
	}
	return ClassGeneric
}

func match(name string) (keywordRule, bool) {
	lower := strings.ToLower(name)
	if lower == "" {
		return keywordRule{}, false
	}
	var words []string

	for _, r := range rules {
		matched := true
		for _, kw := range r.keywords {
			if r.wholeWord {
				if words == nil {
					words = strings.FieldsFunc(lower, func(c rune) bool {
						return !unicode.IsLetter(c) && !unicode.IsDigit(c)
					})
				}
				if !containsWord(words, kw) {
					matched = false
					break
				}
				continue
			}
			if !strings.Contains(lower, kw) {
				matched = false
				break
			}
		}
		if matched {
			return r, true
		}
	}

	return keywordRule{}, false
}

func containsWord(words []string, w string) bool {
	for _, word := range words {
		if word == w {
			return true
		}
	}
	return false
}
