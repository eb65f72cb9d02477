package domain

import (
	"fmt"
	"regexp"
)

type BlockType string

const (
	BlockActivity BlockType = "activity"
	BlockMeal     BlockType = "meal"
	BlockTransfer BlockType = "transfer"
	BlockHotel    BlockType = "hotel"
	BlockBreak    BlockType = "break"
)

type BlockCategory string

const (
	CategorySightseeing BlockCategory = "sightseeing"
	CategoryFood        BlockCategory = "food"
	CategoryCulture     BlockCategory = "culture"
	CategoryShopping    BlockCategory = "shopping"
	CategoryOutdoors    BlockCategory = "outdoors"
	CategoryNightlife   BlockCategory = "nightlife"
	CategoryRest        BlockCategory = "rest"
)

var validBlockTypes = map[BlockType]bool{
	BlockActivity: true,
	BlockMeal:     true,
	BlockTransfer: true,
	BlockHotel:    true,
	BlockBreak:    true,
}

var validCategories = map[BlockCategory]bool{
	CategorySightseeing: true,
	CategoryFood:        true,
	CategoryCulture:     true,
	CategoryShopping:    true,
	CategoryOutdoors:    true,
	CategoryNightlife:   true,
	CategoryRest:        true,
}

// Block is the persisted shape of one schedule entry. This is the exact
// field set that round-trips through the stored snapshot.
type Block struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	StartTime   string `json:"start_time"`
	EndTime     string `json:"end_time"`
	Type        string `json:"type"`
	Category    string `json:"category"`
}

// Day is the persisted shape of one itinerary day: a date, free-form
// label fields, and its blocks in display order.
type Day struct {
	Date   string  `json:"date"`
	Label  string  `json:"label"`
	Note   string  `json:"note"`
	Blocks []Block `json:"blocks"`
}

var timeOfDayRe = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)

// ValidateTimeOfDay checks the HH:MM wall-clock format.
func ValidateTimeOfDay(s string) error {
	if !timeOfDayRe.MatchString(s) {
		return fmt.Errorf("%w: time %q is not HH:MM", ErrValidation, s)
	}
	return nil
}

// ValidateTimeRange checks both endpoints and that end is not before start.
// HH:MM strings compare correctly as plain strings.
func ValidateTimeRange(start, end string) error {
	if err := ValidateTimeOfDay(start); err != nil {
		return err
	}
	if err := ValidateTimeOfDay(end); err != nil {
		return err
	}
	if end < start {
		return fmt.Errorf("%w: end time %s before start time %s", ErrValidation, end, start)
	}
	return nil
}

// ValidateBlockType rejects values outside the block type enum.
func ValidateBlockType(t string) error {
	if !validBlockTypes[BlockType(t)] {
		return fmt.Errorf("%w: unknown block type %q", ErrValidation, t)
	}
	return nil
}

// ValidateCategory rejects values outside the category enum.
func ValidateCategory(c string) error {
	if !validCategories[BlockCategory(c)] {
		return fmt.Errorf("%w: unknown category %q", ErrValidation, c)
	}
	return nil
}
