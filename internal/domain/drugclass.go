package domain

import "strings"

// DrugClass is a respiratory medication class.
type DrugClass string

const (
	ClassSABA     DrugClass = "SABA"
	ClassICS      DrugClass = "ICS"
	ClassLABA     DrugClass = "LABA"
	ClassLAMA     DrugClass = "LAMA"
	ClassICSLABA  DrugClass = "ICS-LABA"
	ClassLAMALABA DrugClass = "LAMA-LABA"
	ClassTriple   DrugClass = "ICS-LABA-LAMA"
)

// ClassInfo describes a drug class for display.
type ClassInfo struct {
	Class       DrugClass
	Description string
	Examples    []string
}

// Classes lists every supported class in display order.
var Classes = []ClassInfo{
	{ClassSABA, "Short-Acting Beta Agonist (rescue inhaler)", []string{"albuterol (ProAir, Ventolin, Proventil)", "levalbuterol (Xopenex)"}},
	{ClassICS, "Inhaled Corticosteroid", []string{"fluticasone (Flovent, Arnuity)", "budesonide (Pulmicort)", "beclomethasone (QVAR)", "mometasone (Asmanex)", "ciclesonide (Alvesco)"}},
	{ClassLABA, "Long-Acting Beta Agonist", []string{"salmeterol (Serevent)", "formoterol (Perforomist)", "arformoterol (Brovana)", "olodaterol (Striverdi)"}},
	{ClassLAMA, "Long-Acting Muscarinic Antagonist", []string{"tiotropium (Spiriva)", "umeclidinium (Incruse)", "aclidinium (Tudorza)", "glycopyrrolate (Seebri, Lonhala)", "revefenacin (Yupelri)"}},
	{ClassICSLABA, "Inhaled Corticosteroid + Long-Acting Beta Agonist", []string{"fluticasone-salmeterol (Advair, Wixela, AirDuo)", "budesonide-formoterol (Symbicort, Breyna)", "mometasone-formoterol (Dulera)", "fluticasone-vilanterol (Breo)"}},
	{ClassLAMALABA, "Long-Acting Muscarinic Antagonist + Long-Acting Beta Agonist", []string{"umeclidinium-vilanterol (Anoro)", "tiotropium-olodaterol (Stiolto)", "glycopyrrolate-formoterol (Bevespi)", "aclidinium-formoterol (Duaklir)"}},
	{ClassTriple, "Triple therapy (ICS + LABA + LAMA)", []string{"fluticasone-umeclidinium-vilanterol (Trelegy)", "budesonide-glycopyrrolate-formoterol (Breztri)"}},
}

// Info returns the display description for c.
func (c DrugClass) Info() (ClassInfo, bool) {
	for _, info := range Classes {
		if info.Class == c {
			return info, true
		}
	}
	return ClassInfo{}, false
}

// ParseDrugClass accepts a class code in any case, with "/", "_" or
// spaces as separators, and "triple" for ICS-LABA-LAMA.
func ParseDrugClass(s string) (DrugClass, bool) {
	norm := strings.ToUpper(strings.TrimSpace(s))
	norm = strings.NewReplacer("/", "-", "_", "-", " ", "-", "+", "-").Replace(norm)
	switch norm {
	case "":
		return "", false
	case "TRIPLE", "ICS-LAMA-LABA", "LAMA-LABA-ICS", "LABA-LAMA-ICS":
		return ClassTriple, true
	case "LABA-ICS":
		return ClassICSLABA, true
	case "LABA-LAMA":
		return ClassLAMALABA, true
	}
	for _, info := range Classes {
		if string(info.Class) == norm {
			return info.Class, true
		}
	}
	return "", false
}
