package enhance

import (
	"fmt"
	"strings"
)

// Section is the resume section a piece of content belongs to. Unknown
// values fall through to the general builder.
type Section string

const (
	SectionWork      Section = "work"
	SectionEducation Section = "education"
	SectionSkills    Section = "skills"
	SectionSummary   Section = "summary"
	SectionProjects  Section = "projects"
)

// ParseSection normalizes a wire-level section string.
func ParseSection(s string) Section {
	switch Section(strings.ToLower(strings.TrimSpace(s))) {
	case SectionWork:
		return SectionWork
	case SectionEducation:
		return SectionEducation
	case SectionSkills:
		return SectionSkills
	case SectionSummary:
		return SectionSummary
	case SectionProjects:
		return SectionProjects
	default:
		return Section(strings.ToLower(strings.TrimSpace(s)))
	}
}

// SystemPrompt is the fixed instruction sent with every enhancement call.
const SystemPrompt = "You are a professional resume writer with expertise in creating impactful and achievement-oriented content."

// BuildPrompt assembles the user prompt for a section. Pure function: one
// builder per known section plus a catch-all default.
func BuildPrompt(section Section, content string, contextData map[string]string) string {
	var b strings.Builder
	switch section {
	case SectionWork:
		b.WriteString("Enhance the following work experience section for a resume. Emphasize measurable achievements and scope of responsibility")
	case SectionEducation:
		b.WriteString("Enhance the following education section for a resume. Highlight relevant coursework, honors, and outcomes")
	case SectionSkills:
		b.WriteString("Enhance the following skills section for a resume. Group related skills and surface the most marketable ones first")
	case SectionSummary:
		b.WriteString("Enhance the following professional summary for a resume. Make it a concise, compelling pitch")
	case SectionProjects:
		b.WriteString("Enhance the following projects section for a resume. Emphasize impact, technology choices, and results")
	default:
		fmt.Fprintf(&b, "Enhance the following %s section for a resume. Make it more impactful and professional", section)
	}
	b.WriteString(" while maintaining accuracy:\n\nOriginal Content:\n")
	b.WriteString(content)
	b.WriteString("\n\nPlease provide an enhanced version that:\n")
	b.WriteString("1. Uses strong action verbs\n")
	b.WriteString("2. Includes specific achievements where possible\n")
	b.WriteString("3. Maintains a professional tone\n")
	b.WriteString("4. Is concise and impactful")

	if contextData["role"] != "" || contextData["industry"] != "" || contextData["experienceLevel"] != "" {
		b.WriteString("\n\nAdditional Context:")
		if v := contextData["role"]; v != "" {
			fmt.Fprintf(&b, "\nRole: %s", v)
		}
		if v := contextData["industry"]; v != "" {
			fmt.Fprintf(&b, "\nIndustry: %s", v)
		}
		if v := contextData["experienceLevel"]; v != "" {
			fmt.Fprintf(&b, "\nExperience Level: %s", v)
		}
	}
	return b.String()
}
