package model

import "fmt"

// SortOperationsInTopologicalOrder returns the live operations so that every
// operation comes after the producers of its inputs. Independent operations
// keep their insertion order, so the result is deterministic for a given model.
func SortOperationsInTopologicalOrder(m *Model) ([]OperationID, error) {
	ids := m.OperationIDs()

	// Build output-to-operation map
	producer := make(map[OperandID]OperationID)
	for _, id := range ids {
		for _, out := range m.operations[id].Outputs {
			producer[out] = id
		}
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[OperationID]int, len(ids))
	result := make([]OperationID, 0, len(ids))

	var visit func(id OperationID) error
	visit = func(id OperationID) error {
		switch state[id] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("cycle detected at operation %d (%s)", id, m.operations[id].Type)
		}
		state[id] = visiting

		// Visit dependencies first
		for _, in := range m.operations[id].Inputs {
			if dep, ok := producer[in]; ok {
				if err := visit(dep); err != nil {
					return err
				}
			}
		}

		state[id] = done
		result = append(result, id)
		return nil
	}

	for _, id := range ids {
		if err := visit(id); err != nil {
			return nil, err
		}
	}

	return result, nil
}
