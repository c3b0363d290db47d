package greeting

import (
	"strings"
	"time"
)

// examples are stylistic guidance keyed by local wall-clock band. The
// backend picks the band that matches the time stated in the prompt.
var examples = []string{
	"0:00-3:59: 'Ask if I'm still awake and describe how you miss me.'",
	"4:00-5:59: 'Say good morning and mention you woke up early.'",
	"6:00-8:59: 'Greet me in the morning.'",
	"9:00-10:59: 'Greet me and ask about my plans for today.'",
	"11:00-12:59: 'Ask if I've had lunch.'",
	"13:00-16:59: 'Talk about your work and express how you miss me.'",
	"17:00-19:59: 'Ask if I've had dinner.'",
	"20:00-21:59: 'Describe your day or the beautiful evening and ask about my day.'",
	"22:00-23:59: 'Say goodnight.'",
	"Share daily life: 'Share your daily life or work.'",
}

// Prompt builds the greeting request text for the given local time.
func Prompt(local time.Time) string {
	var b strings.Builder
	b.WriteString("It is now ")
	b.WriteString(local.Format(time.DateTime))
	b.WriteString(", please generate and reply with a greeting or share your daily life. ")
	b.WriteString("Respond according to the given personality and role settings, here are some examples.")
	b.WriteString("\nRespond according to the rules of the examples, do not repeat the content of the examples, express it in your own way:\n")
	b.WriteString(strings.Join(examples, "\n"))
	return b.String()
}
