package cli

import "github.com/fatih/color"

var (
	green = color.New(color.FgGreen).SprintFunc()
	red   = color.New(color.FgRed).SprintFunc()
)

// OutputPassGreen return [PASS] to be outputted in green
func OutputPassGreen() string {
	return green("[PASS]")
}

// OutputFailRed return [FAIL] to be outputted in red
func OutputFailRed() string {
	return red("[FAIL]")
}
