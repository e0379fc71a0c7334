package plan

import (
	"encoding/json"
	"io/ioutil"

	extErrors "github.com/pkg/errors"
)

// Definition is a plan together with its rules as written in a plans file
type Definition struct {
	Plan
	Rules []Rule `json:"rules"`
}

// LoadDefinitions reads the plans file used to seed the store. Plans are identified by their id; to change
// the price of a plan that has been billed, add a new plan and mark the old one inactive.
func LoadDefinitions(filename string) ([]Definition, error) {
	jsonBytes, err := ioutil.ReadFile(filename)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot open plans JSON file")
	}
	defs := make([]Definition, 0, 1)
	if err := json.Unmarshal(jsonBytes, &defs); err != nil {
		return nil, extErrors.Wrap(err, "Invalid plan JSON file")
	}
	return defs, nil
}
