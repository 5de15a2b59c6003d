package setup

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"gridpilot/config"
)

var (
	subtle    = lipgloss.AdaptiveColor{Light: "#D9DCCF", Dark: "#383838"}
	highlight = lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	special   = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Background(highlight).
			Padding(1, 2).
			Bold(true).
			MarginBottom(1)

	stepStyle = lipgloss.NewStyle().
			Foreground(special).
			Bold(true).
			MarginTop(1).
			MarginBottom(0)
)

// RunTUI launches the terminal configuration wizard and writes config.gen.yaml.
func RunTUI() error {
	var (
		platform      string
		candidatesStr string
		slotsStr      string
		capitalStr    string
		gridLevelsStr string
		rangePctStr   string
		spacing       string
		kind          string
		targetAbsStr  string
		cooldownStr   string
		confirm       bool
	)

	// defaults
	candidatesStr = "BTC_USDT,ETH_USDT,SOL_USDT"
	slotsStr = "1"
	capitalStr = "1000"
	gridLevelsStr = "10"
	rangePctStr = "4"
	targetAbsStr = "3"
	cooldownStr = "2h"

	// step 1: welcome
	fmt.Print("\033[H\033[2J") // Clear screen
	fmt.Println(headerStyle.Render("GRIDPILOT CONFIG WIZARD"))
	fmt.Println(lipgloss.NewStyle().Foreground(subtle).Render("Capital-limited grid trading across rotating assets.\n"))

	// platform
	fmt.Println(stepStyle.Render("STEP 1: PLATFORM"))
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Select Exchange Platform").
				Options(
					huh.NewOption("Binance", "binance"),
					huh.NewOption("Bybit", "bybit"),
					huh.NewOption("Simulation", "simulate"),
				).
				Value(&platform),
		),
	).Run()
	if err != nil {
		return err
	}

	// candidate pairs
	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render("GRIDPILOT CONFIG WIZARD"))
	fmt.Println(stepStyle.Render("STEP 2: CANDIDATE PAIRS"))
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Candidate Pairs").
				Description("Comma-separated, BASE_QUOTE format (e.g. BTC_USDT,ETH_USDT)").
				Value(&candidatesStr).
				Validate(validateCandidates),
			huh.NewInput().
				Title("Concurrent Slots").
				Description("How many pairs trade at once").
				Value(&slotsStr).
				Validate(validatePositiveInt),
		),
	).Run()
	if err != nil {
		return err
	}

	// capital and grid
	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render("GRIDPILOT CONFIG WIZARD"))
	fmt.Println(stepStyle.Render("STEP 3: CAPITAL AND GRID"))
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Capital per Slot").
				Description("Quote currency amount allocated to each slot").
				Value(&capitalStr).
				Validate(validatePositiveDecimal),
			huh.NewInput().
				Title("Grid Levels").
				Description("Number of price levels (min 2)").
				Value(&gridLevelsStr).
				Validate(validatePositiveInt),
			huh.NewInput().
				Title("Grid Range %").
				Description("Half-width of the grid around the current price (e.g. 4)").
				Value(&rangePctStr).
				Validate(validatePositiveDecimal),
			huh.NewSelect[string]().
				Title("Level Spacing").
				Options(
					huh.NewOption("Geometric (equal % steps)", "geometric"),
					huh.NewOption("Arithmetic (equal price steps)", "arithmetic"),
				).
				Value(&spacing),
			huh.NewSelect[string]().
				Title("Grid Kind").
				Options(
					huh.NewOption("Hedged (buys and sells)", "hedged"),
					huh.NewOption("Simple (buys below, sells above)", "simple"),
				).
				Value(&kind),
		),
	).Run()
	if err != nil {
		return err
	}

	// rotation
	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render("GRIDPILOT CONFIG WIZARD"))
	fmt.Println(stepStyle.Render("STEP 4: PROFIT ROTATION"))
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Profit Target").
				Description("Quote amount of profit to trigger rotation (e.g. 3)").
				Value(&targetAbsStr).
				Validate(validatePositiveDecimal),
			huh.NewInput().
				Title("Pair Cooldown").
				Description("Duration string (e.g. 30m, 2h)").
				Value(&cooldownStr).
				Validate(func(s string) error {
					_, err := time.ParseDuration(s)
					return err
				}),
		),
	).Run()
	if err != nil {
		return err
	}

	// confirmation
	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render("GRIDPILOT CONFIG WIZARD"))
	fmt.Println(stepStyle.Render("FINAL CONFIRMATION"))

	summary := fmt.Sprintf(
		"Platform: %s\nCandidates: %s\nSlots: %s\nCapital/slot: %s\nLevels: %s\nRange: %s%%\nSpacing: %s\nKind: %s\nProfit target: %s\nCooldown: %s\n",
		platform, candidatesStr, slotsStr, capitalStr, gridLevelsStr, rangePctStr, spacing, kind, targetAbsStr, cooldownStr,
	)
	fmt.Println(lipgloss.NewStyle().Border(lipgloss.NormalBorder()).Padding(1).Render(summary))

	err = huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Save Configuration?").
				Affirmative("Yes, save and start").
				Negative("No, exit").
				Value(&confirm),
		),
	).Run()
	if err != nil {
		return err
	}

	if !confirm {
		return fmt.Errorf("setup cancelled by user")
	}

	cooldown, _ := time.ParseDuration(cooldownStr)
	slots, _ := strconv.Atoi(strings.TrimSpace(slotsStr))
	gridLevels, _ := strconv.Atoi(strings.TrimSpace(gridLevelsStr))

	cfgTmp := config.ConfigTmp{
		Platform:        platform,
		Candidates:      splitCandidates(candidatesStr),
		Slots:           slots,
		CapitalPerSlot:  capitalStr,
		GridLevels:      gridLevels,
		GridRangePct:    rangePctStr,
		GridSpacing:     spacing,
		GridKind:        kind,
		ProfitTargetAbs: targetAbsStr,
		PairCooldown:    cooldown,
	}

	data, err := yaml.Marshal(cfgTmp)
	if err != nil {
		return fmt.Errorf("failed to generate yaml: %w", err)
	}

	filename := "config.gen.yaml"
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to save config file: %w", err)
	}

	fmt.Println(lipgloss.NewStyle().Foreground(special).Render(fmt.Sprintf("\n✓ Configuration saved to %s\nStarting engine...", filename)))
	time.Sleep(1500 * time.Millisecond) // small pause to read success message
	return nil
}

func validateCandidates(s string) error {
	parts := splitCandidates(s)
	if len(parts) == 0 {
		return fmt.Errorf("at least one pair is required")
	}
	for _, p := range parts {
		if !strings.Contains(p, "_") {
			return fmt.Errorf("invalid format %q: must be BASE_QUOTE (e.g. BTC_USDT)", p)
		}
	}
	return nil
}

func validatePositiveInt(s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 1 {
		return fmt.Errorf("must be a positive integer")
	}
	return nil
}

func validatePositiveDecimal(s string) error {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("must be a valid number")
	}
	if d.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("must be positive")
	}
	return nil
}

func splitCandidates(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
