package device

import "log"

// PostCodeDevice logs the progress codes a kernel writes to port 0x80.
type PostCodeDevice struct {
	Last byte
}

func (p *PostCodeDevice) Read(port uint64, data []byte) error {
	return nil
}

func (p *PostCodeDevice) Write(port uint64, data []byte) error {
	if len(data) != 1 {
		return errDataLenInvalid
	}

	p.Last = data[0]
	log.Printf("POST code %#02x", data[0])

	return nil
}

func (p *PostCodeDevice) IOPort() uint64 {
	return 0x80
}

func (p *PostCodeDevice) Size() uint64 {
	return 0x1
}
