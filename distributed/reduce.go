package distributed

import "sort"

// ReduceScalars combines named scalars across all ranks: element-wise sum,
// divided by the world size when average is true. Keys are sorted before
// packing so every rank reduces the same layout regardless of map
// insertion order. With a world size below 2 the input map is returned
// unchanged.
func ReduceScalars(comm Communicator, vals map[string]float64, average bool) (map[string]float64, error) {
	ctx := comm.Context()
	if ctx.WorldSize < 2 {
		return vals, nil
	}

	keys := make([]string, 0, len(vals))
	for k := range vals {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	vec := make([]float64, len(keys))
	for i, k := range keys {
		vec[i] = vals[k]
	}

	summed, err := comm.AllReduceSum(vec)
	if err != nil {
		return nil, err
	}

	out := make(map[string]float64, len(keys))
	for i, k := range keys {
		v := summed[i]
		if average {
			v /= float64(ctx.WorldSize)
		}
		out[k] = v
	}
	return out, nil
}

// BroadcastBools distributes root's flags to every rank. Flags travel as
// 0/1 values over the float collective.
func BroadcastBools(comm Communicator, flags []bool, root int) ([]bool, error) {
	if comm.Context().WorldSize < 2 {
		return flags, nil
	}

	vec := make([]float64, len(flags))
	for i, f := range flags {
		if f {
			vec[i] = 1
		}
	}

	got, err := comm.Broadcast(vec, root)
	if err != nil {
		return nil, err
	}

	out := make([]bool, len(got))
	for i, v := range got {
		out[i] = v > 0.5
	}
	return out, nil
}

// BroadcastBool distributes a single flag from root to every rank.
func BroadcastBool(comm Communicator, flag bool, root int) (bool, error) {
	out, err := BroadcastBools(comm, []bool{flag}, root)
	if err != nil {
		return false, err
	}
	return out[0], nil
}
