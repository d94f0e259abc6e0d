package quota

import (
	"errors"
	"fmt"
	"strings"

	"survey-dispatch/internal/repo"
)

// Category is a demographic dimension a survey can set quotas on.
type Category string

const (
	CategoryGender   Category = "gender"
	CategoryAgeRange Category = "age_range"
	CategoryLocation Category = "location"
)

// ErrInvalidDemographic is returned for unknown categories or options.
var ErrInvalidDemographic = errors.New("invalid demographic")

// Gender options.
var Genders = []string{"Masculino", "Feminino", "Outro", "Prefiro não dizer"}

// Age range options.
var AgeRanges = []string{"18-24", "25-34", "35-44", "45-54", "55-64", "65+"}

// ParseCategory validates raw.
func ParseCategory(raw string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(raw)))
	switch c {
	case CategoryGender, CategoryAgeRange, CategoryLocation:
		return c, nil
	}
	return "", fmt.Errorf("%w: category %q", ErrInvalidDemographic, raw)
}

// NormalizeOption returns the canonical spelling of option within c.
func NormalizeOption(c Category, option string) (string, error) {
	option = strings.TrimSpace(option)
	switch c {
	case CategoryGender:
		return matchOption(c, option, Genders)
	case CategoryAgeRange:
		return matchOption(c, option, AgeRanges)
	case CategoryLocation:
		if option == "" {
			return "", fmt.Errorf("%w: empty location", ErrInvalidDemographic)
		}
		return option, nil
	}
	return "", fmt.Errorf("%w: category %q", ErrInvalidDemographic, c)
}

func matchOption(c Category, option string, allowed []string) (string, error) {
	for _, o := range allowed {
		if strings.EqualFold(o, option) {
			return o, nil
		}
	}
	return "", fmt.Errorf("%w: %s option %q", ErrInvalidDemographic, c, option)
}

// Demographics is the profile of one respondent. Empty fields are not
// constrained by quotas.
type Demographics struct {
	Gender   string
	AgeRange string
	Location string
}

// ParseDemographics validates and canonicalises the raw answers.
func ParseDemographics(gender, ageRange, location string) (Demographics, error) {
	var d Demographics
	var err error
	if strings.TrimSpace(gender) != "" {
		if d.Gender, err = NormalizeOption(CategoryGender, gender); err != nil {
			return Demographics{}, err
		}
	}
	if strings.TrimSpace(ageRange) != "" {
		if d.AgeRange, err = NormalizeOption(CategoryAgeRange, ageRange); err != nil {
			return Demographics{}, err
		}
	}
	d.Location = strings.TrimSpace(location)
	return d, nil
}

// Buckets lists the quota keys the profile falls into.
func (d Demographics) Buckets() []repo.QuotaKey {
	var keys []repo.QuotaKey
	if d.Gender != "" {
		keys = append(keys, repo.QuotaKey{Category: string(CategoryGender), Option: d.Gender})
	}
	if d.AgeRange != "" {
		keys = append(keys, repo.QuotaKey{Category: string(CategoryAgeRange), Option: d.AgeRange})
	}
	if d.Location != "" {
		keys = append(keys, repo.QuotaKey{Category: string(CategoryLocation), Option: d.Location})
	}
	return keys
}
