package protocol

type keyExtractor func(args [][]byte) [][]byte

// keyCommands lists the commands that address keys, and where their keys are.
// Everything else runs without routing.
var keyCommands = map[string]keyExtractor{
	"GET":     firstKey,
	"SET":     firstKey,
	"RESTORE": firstKey,
	"DEL":     allKeys,
	"EXISTS":  allKeys,
}

func firstKey(args [][]byte) [][]byte {
	return args[:1]
}

func allKeys(args [][]byte) [][]byte {
	return args
}

func commandKeys(cmd string, args [][]byte) [][]byte {
	extract, ok := keyCommands[cmd]
	if !ok || len(args) == 0 {
		return nil
	}
	return extract(args)
}
