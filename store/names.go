package store

import (
	"math/rand/v2"
	"strings"
)

var (
	nameAdjectives = []string{
		"amber", "ancient", "bold", "brave", "bright", "calm", "clever", "cosmic",
		"crimson", "curious", "daring", "eager", "electric", "fancy", "fearless",
		"gentle", "golden", "happy", "hidden", "humble", "jolly", "lively", "lucky",
		"mellow", "misty", "nimble", "noble", "odd", "proud", "quick", "quiet",
		"rapid", "shiny", "silent", "silver", "sleepy", "smooth", "snowy", "swift",
		"tidy", "tiny", "vivid", "wandering", "witty", "young", "zesty",
	}
	nameNouns = []string{
		"apple", "badger", "beacon", "breeze", "canyon", "cloud", "comet", "coral",
		"crane", "delta", "dragon", "falcon", "forest", "garden", "glacier", "harbor",
		"island", "jungle", "lantern", "meadow", "meteor", "monkey", "mountain",
		"nebula", "ocean", "orchid", "otter", "panda", "pebble", "planet", "prairie",
		"rabbit", "river", "rocket", "sparrow", "summit", "thunder", "tiger",
		"valley", "violet", "walrus", "willow", "wizard", "zephyr",
	}
)

// GenerateName returns a random three-word kebab-case name such as
// "swift-golden-otter".
func GenerateName() string {
	words := []string{
		nameAdjectives[rand.IntN(len(nameAdjectives))],
		nameAdjectives[rand.IntN(len(nameAdjectives))],
		nameNouns[rand.IntN(len(nameNouns))],
	}
	return strings.Join(words, "-")
}
