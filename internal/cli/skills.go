package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/harun/nebula/pkg/skills"
	"github.com/spf13/cobra"
)

var skillsCmd = &cobra.Command{
	Use:   "skills",
	Short: "List the skills exposed by the running daemon",
	RunE:  runSkills,
}

func init() {
	rootCmd.AddCommand(skillsCmd)
}

func runSkills(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	var body struct {
		Skills []skills.Descriptor `json:"skills"`
	}
	if err := getJSON(cfg, "/skills", &body); err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), formatSkills(body.Skills))
	return nil
}

func formatSkills(descriptors []skills.Descriptor) string {
	if len(descriptors) == 0 {
		return "No skills registered\n"
	}
	sorted := append([]skills.Descriptor(nil), descriptors...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	width := 0
	for _, d := range sorted {
		if len(d.Name) > width {
			width = len(d.Name)
		}
	}

	var b strings.Builder
	for _, d := range sorted {
		marker := " "
		if d.SideEffects {
			marker = "*"
		}
		fmt.Fprintf(&b, "%s %-*s  %s\n", marker, width, d.Name, d.Description)
	}
	return b.String()
}
