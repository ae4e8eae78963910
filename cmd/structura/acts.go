package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/olebedev/when/rules/ru"
	"github.com/spf13/cobra"

	"github.com/structura-bim/structura/internal/store/schema"
	"github.com/structura-bim/structura/internal/ui"
)

// actDateLayout is the calendar date format of act dates.
const actDateLayout = "2006-01-02"

var actsCmd = &cobra.Command{
	Use:     "acts",
	GroupID: "data",
	Short:   "List, add and link acts",
}

var actsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List acts, latest act date first",
	Run: func(cmd *cobra.Command, args []string) {
		element, _ := cmd.Flags().GetString("element")

		eng, repo := openStore()
		defer closeStore(eng)

		ctx := context.Background()
		var (
			acts []*schema.Act
			err  error
		)
		if element != "" {
			acts, err = repo.GetActsByElement(ctx, element)
		} else {
			acts, err = repo.GetAllActs(ctx)
		}
		if err != nil {
			exitf(eng, "Error: %v\n", err)
		}

		if len(acts) == 0 {
			fmt.Println("No acts")
			return
		}
		for _, a := range acts {
			date := a.ActDate
			if date == "" {
				date = "----------"
			}
			fmt.Printf("  #%-5d %s  %-20s %s\n", a.ID, ui.RenderMuted(date), a.Number, a.WorkType)
		}
	},
}

var actsAddCmd = &cobra.Command{
	Use:   "add NUMBER",
	Short: "Append an act",
	Long: `Append an act to the act log.

--date accepts a calendar date (2024-03-15) or a natural phrase in English
or Russian ("yesterday", "last friday", "вчера", "2 дня назад").

Examples:
  structura acts add АОСР-12 --work-type "Бетонные работы" --date вчера
  structura acts add KS-7 --file ~/acts/KS-7.pdf --date "last monday"`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		file, _ := cmd.Flags().GetString("file")
		workType, _ := cmd.Flags().GetString("work-type")
		dateText, _ := cmd.Flags().GetString("date")

		act := &schema.Act{
			Number:   args[0],
			FilePath: file,
			WorkType: workType,
		}
		if dateText != "" {
			date, err := parseActDate(dateText, time.Now())
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			act.ActDate = date
		}

		eng, repo := openStore()
		defer closeStore(eng)

		id, err := repo.InsertAct(context.Background(), act)
		if err != nil {
			exitf(eng, "Error: %v\n", err)
		}
		fmt.Printf("%s Added act #%d %s", ui.RenderPass("✓"), id, act.Number)
		if act.ActDate != "" {
			fmt.Printf(" dated %s", act.ActDate)
		}
		fmt.Println()
	},
}

var actsLinkCmd = &cobra.Command{
	Use:   "link GUID ACT_ID",
	Short: "Link an act to an element",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		unlink, _ := cmd.Flags().GetBool("remove")

		actID, err := parseActID(args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		eng, repo := openStore()
		defer closeStore(eng)

		ctx := context.Background()
		if unlink {
			err = repo.UnlinkActFromElement(ctx, args[0], actID)
		} else {
			err = repo.LinkActToElement(ctx, args[0], actID)
		}
		if err != nil {
			exitf(eng, "Error: %v\n", err)
		}
		fmt.Printf("%s Done\n", ui.RenderPass("✓"))
	},
}

// parseActID parses a positive act id. The whole argument must be a number.
func parseActID(text string) (int64, error) {
	id, err := strconv.ParseInt(text, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid act id %q", text)
	}
	return id, nil
}

// dateParser understands English and Russian date phrases.
var dateParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(ru.All...)
	w.Add(common.All...)
	return w
}()

// parseActDate resolves text to a calendar date relative to now.
func parseActDate(text string, now time.Time) (string, error) {
	text = strings.TrimSpace(text)
	if t, err := time.Parse(actDateLayout, text); err == nil {
		return t.Format(actDateLayout), nil
	}

	r, err := dateParser.Parse(text, now)
	if err != nil {
		return "", fmt.Errorf("failed to parse date %q: %w", text, err)
	}
	if r == nil {
		return "", fmt.Errorf("unrecognized date %q", text)
	}
	return r.Time.Format(actDateLayout), nil
}

func init() {
	actsListCmd.Flags().String("element", "", "Only acts linked to this element GUID")

	actsAddCmd.Flags().String("file", "", "Path of the act document")
	actsAddCmd.Flags().String("work-type", "", "Work type")
	actsAddCmd.Flags().String("date", "", "Act date (YYYY-MM-DD or a phrase like 'yesterday')")

	actsLinkCmd.Flags().Bool("remove", false, "Remove the link instead")

	actsCmd.AddCommand(actsListCmd, actsAddCmd, actsLinkCmd)
	rootCmd.AddCommand(actsCmd)
}
