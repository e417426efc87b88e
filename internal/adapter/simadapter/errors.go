package simadapter

import "errors"

var adapterBadSlave = errors.New("simadapter: slave index out of range")
