// Package depsort orders catalog entities by their relation edges so that
// referenced entities are written before their referrers, and deleted after
// them.
package depsort

import (
	"strings"

	"github.com/port-labs/ocean-sub007/core"
)

type node struct {
	entity core.Entity
	// remaining counts dependencies not yet emitted.
	remaining  int
	dependents []int
}

// Order returns entities with every dependency placed before its dependents.
// Entities sharing a key are collapsed, the last occurrence wins. Relation
// targets outside the input and self references are ignored. A cycle among
// two or more entities fails with a cyclic dependency error and no partial
// order is returned.
func Order(entities []core.Entity) ([]core.Entity, error) {
	nodes, byIdentifier := buildNodes(entities)
	if len(nodes) == 0 {
		return nil, nil
	}

	for index := range nodes {
		seen := map[int]struct{}{}
		for _, target := range nodes[index].entity.RelatedIdentifiers() {
			for _, dependency := range byIdentifier[target] {
				if dependency == index {
					continue
				}
				if _, exists := seen[dependency]; exists {
					continue
				}
				seen[dependency] = struct{}{}
				nodes[index].remaining++
				nodes[dependency].dependents = append(nodes[dependency].dependents, index)
			}
		}
	}

	queue := make([]int, 0, len(nodes))
	for index := range nodes {
		if nodes[index].remaining == 0 {
			queue = append(queue, index)
		}
	}

	ordered := make([]core.Entity, 0, len(nodes))
	emitted := make([]bool, len(nodes))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		emitted[current] = true
		ordered = append(ordered, nodes[current].entity)
		for _, dependent := range nodes[current].dependents {
			nodes[dependent].remaining--
			if nodes[dependent].remaining == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(ordered) != len(nodes) {
		unresolved := make([]core.EntityKey, 0, len(nodes)-len(ordered))
		for index := range nodes {
			if !emitted[index] {
				unresolved = append(unresolved, nodes[index].entity.Key())
			}
		}
		return nil, core.NewCyclicDependencyError(unresolved)
	}
	return ordered, nil
}

// ReverseOrder returns the deletion order: dependents before dependencies.
func ReverseOrder(entities []core.Entity) ([]core.Entity, error) {
	ordered, err := Order(entities)
	if err != nil {
		return nil, err
	}
	for left, right := 0, len(ordered)-1; left < right; left, right = left+1, right-1 {
		ordered[left], ordered[right] = ordered[right], ordered[left]
	}
	return ordered, nil
}

func buildNodes(entities []core.Entity) ([]node, map[string][]int) {
	positions := map[core.EntityKey]int{}
	nodes := make([]node, 0, len(entities))
	for _, entity := range entities {
		key := entity.Key()
		if position, exists := positions[key]; exists {
			nodes[position].entity = entity
			continue
		}
		positions[key] = len(nodes)
		nodes = append(nodes, node{entity: entity})
	}

	byIdentifier := make(map[string][]int, len(nodes))
	for index := range nodes {
		identifier := strings.TrimSpace(nodes[index].entity.Identifier)
		byIdentifier[identifier] = append(byIdentifier[identifier], index)
	}
	return nodes, byIdentifier
}
