package domain

import "sort"

// Workload is the number of active tasks assigned to a user.
type Workload struct {
	User   User
	Active int
}

// Workloads counts Todo and In Progress tasks per user, in user ID order.
// Tasks assigned to unknown users are ignored.
func Workloads(users []User, tasks []Task) []Workload {
	counts := make(map[string]int, len(users))
	for _, u := range users {
		counts[u.ID] = 0
	}
	for _, t := range tasks {
		if t.AssignedTo == "" || !t.Status.Active() {
			continue
		}
		if _, ok := counts[t.AssignedTo]; ok {
			counts[t.AssignedTo]++
		}
	}
	out := make([]Workload, 0, len(users))
	for _, u := range users {
		out = append(out, Workload{User: u, Active: counts[u.ID]})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].User.ID < out[j].User.ID })
	return out
}

// PickLeastLoaded returns the user with the fewest active tasks. Ties go to
// the lowest user ID. The result reflects the counts at call time only; two
// concurrent callers may pick the same user.
func PickLeastLoaded(users []User, tasks []Task) (User, error) {
	loads := Workloads(users, tasks)
	if len(loads) == 0 {
		return User{}, ErrNoEligibleUser
	}
	best := loads[0]
	for _, l := range loads[1:] {
		if l.Active < best.Active {
			best = l
		}
	}
	return best.User, nil
}
