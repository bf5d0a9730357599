package billing

type transition struct {
	From Status
	To   Status
}

// canceled is terminal.
var validTransitions = map[transition]bool{
	{StatusActive, StatusPastDue}:    true,
	{StatusPastDue, StatusActive}:    true,
	{StatusActive, StatusCanceled}:   true,
	{StatusPastDue, StatusCanceled}:  true,
	{StatusActive, StatusActive}:     true,
	{StatusPastDue, StatusPastDue}:   true,
	{StatusCanceled, StatusCanceled}: true,
}

func CanTransition(from, to Status) bool {
	return validTransitions[transition{from, to}]
}
