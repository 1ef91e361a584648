package app

// Operation statuses recorded in the catalog.
const (
	StatusSuccess   = "success"
	StatusError     = "error"
	StatusCancelled = "cancelled"
)

// Operation tracks a CLI command that may mutate the catalog.
// Operations are created in memory with ID=0. Only catalog-mutating commands
// persist them (giving them an auto-increment ID from the catalog).
type Operation struct {
	ID         int64
	Command    string
	Parameters string
	Status     string
}

// NewOperation creates a new in-memory operation.
func NewOperation(command, parameters string) *Operation {
	return &Operation{
		Command:    command,
		Parameters: parameters,
		Status:     StatusSuccess,
	}
}

// Persisted returns true if this operation has been saved to the catalog.
func (op *Operation) Persisted() bool {
	return op.ID != 0
}
