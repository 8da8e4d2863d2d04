package classify

import (
	"regexp"
	"sort"
	"strings"

	"formulary/internal/domain"
)

type term struct {
	class domain.DrugClass
	// ingredient terms combine with each other; brand terms carry a fixed class.
	ingredient bool
}

var lexicon = map[string]term{
	// SABA
	"albuterol":    {domain.ClassSABA, true},
	"salbutamol":   {domain.ClassSABA, true},
	"levalbuterol": {domain.ClassSABA, true},
	"proair":       {domain.ClassSABA, false},
	"ventolin":     {domain.ClassSABA, false},
	"proventil":    {domain.ClassSABA, false},
	"xopenex":      {domain.ClassSABA, false},

	// ICS
	"fluticasone":    {domain.ClassICS, true},
	"budesonide":     {domain.ClassICS, true},
	"beclomethasone": {domain.ClassICS, true},
	"mometasone":     {domain.ClassICS, true},
	"ciclesonide":    {domain.ClassICS, true},
	"flovent":        {domain.ClassICS, false},
	"arnuity":        {domain.ClassICS, false},
	"pulmicort":      {domain.ClassICS, false},
	"qvar":           {domain.ClassICS, false},
	"asmanex":        {domain.ClassICS, false},
	"alvesco":        {domain.ClassICS, false},

	// LABA
	"salmeterol":   {domain.ClassLABA, true},
	"formoterol":   {domain.ClassLABA, true},
	"arformoterol": {domain.ClassLABA, true},
	"olodaterol":   {domain.ClassLABA, true},
	"indacaterol":  {domain.ClassLABA, true},
	"vilanterol":   {domain.ClassLABA, true},
	"serevent":     {domain.ClassLABA, false},
	"perforomist":  {domain.ClassLABA, false},
	"foradil":      {domain.ClassLABA, false},
	"brovana":      {domain.ClassLABA, false},
	"striverdi":    {domain.ClassLABA, false},
	"arcapta":      {domain.ClassLABA, false},

	// LAMA
	"tiotropium":     {domain.ClassLAMA, true},
	"umeclidinium":   {domain.ClassLAMA, true},
	"aclidinium":     {domain.ClassLAMA, true},
	"glycopyrrolate": {domain.ClassLAMA, true},
	"glycopyrronium": {domain.ClassLAMA, true},
	"revefenacin":    {domain.ClassLAMA, true},
	"spiriva":        {domain.ClassLAMA, false},
	"incruse":        {domain.ClassLAMA, false},
	"tudorza":        {domain.ClassLAMA, false},
	"seebri":         {domain.ClassLAMA, false},
	"lonhala":        {domain.ClassLAMA, false},
	"yupelri":        {domain.ClassLAMA, false},

	// combinations
	"advair":    {domain.ClassICSLABA, false},
	"wixela":    {domain.ClassICSLABA, false},
	"airduo":    {domain.ClassICSLABA, false},
	"symbicort": {domain.ClassICSLABA, false},
	"breyna":    {domain.ClassICSLABA, false},
	"dulera":    {domain.ClassICSLABA, false},
	"breo":      {domain.ClassICSLABA, false},
	"anoro":     {domain.ClassLAMALABA, false},
	"stiolto":   {domain.ClassLAMALABA, false},
	"bevespi":   {domain.ClassLAMALABA, false},
	"duaklir":   {domain.ClassLAMALABA, false},
	"utibron":   {domain.ClassLAMALABA, false},
	"trelegy":   {domain.ClassTriple, false},
	"breztri":   {domain.ClassTriple, false},
}

// classKeywords are descriptive phrases found in headings and questions.
var classKeywords = []struct {
	phrase string
	class  domain.DrugClass
}{
	{"triple therapy", domain.ClassTriple},
	{"short-acting beta", domain.ClassSABA},
	{"short acting beta", domain.ClassSABA},
	{"quick-relief", domain.ClassSABA},
	{"quick relief", domain.ClassSABA},
	{"rescue", domain.ClassSABA},
	{"inhaled corticosteroid", domain.ClassICS},
	{"inhaled steroid", domain.ClassICS},
	{"steroid inhaler", domain.ClassICS},
	{"corticosteroid", domain.ClassICS},
	{"long-acting beta", domain.ClassLABA},
	{"long acting beta", domain.ClassLABA},
	{"long-acting muscarinic", domain.ClassLAMA},
	{"long acting muscarinic", domain.ClassLAMA},
	{"anticholinergic", domain.ClassLAMA},
}

var (
	termRe = buildTermRe()
	codeRe = regexp.MustCompile(`(?i)\b(ICS[-/ ]?LABA[-/ ]?LAMA|ICS[-/ ]?LAMA[-/ ]?LABA|ICS[-/ ]LABA|LABA[-/ ]ICS|LAMA[-/ ]LABA|LABA[-/ ]LAMA|SABA|LABA|LAMA|ICS)\b`)
)

func buildTermRe() *regexp.Regexp {
	terms := make([]string, 0, len(lexicon))
	for t := range lexicon {
		terms = append(terms, regexp.QuoteMeta(t))
	}
	// longest first so leftmost-first alternation prefers the longer term
	sort.Slice(terms, func(i, j int) bool {
		if len(terms[i]) != len(terms[j]) {
			return len(terms[i]) > len(terms[j])
		}
		return terms[i] < terms[j]
	})
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(terms, "|") + `)\b`)
}

// combine folds a set of single-ingredient classes into a combination class.
func combine(found []domain.DrugClass) domain.DrugClass {
	if len(found) == 0 {
		return ""
	}
	has := map[domain.DrugClass]bool{}
	for _, c := range found {
		has[c] = true
	}
	switch {
	case has[domain.ClassTriple]:
		return domain.ClassTriple
	case has[domain.ClassICS] && has[domain.ClassLABA] && has[domain.ClassLAMA]:
		return domain.ClassTriple
	case has[domain.ClassICS] && has[domain.ClassLABA]:
		return domain.ClassICSLABA
	case has[domain.ClassLAMA] && has[domain.ClassLABA]:
		return domain.ClassLAMALABA
	}
	return found[0]
}
