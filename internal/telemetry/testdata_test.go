package telemetry

const twoDeviceDump = `+------------------------------------------------------------------------------------------------+
| npu-smi 23.0.6                   Version: 23.0.6                                               |
+---------------------------+---------------+----------------------------------------------------+
| NPU   Name                | Health        | Power(W)    Temp(C)           Hugepages-Usage(page)|
| Chip                      | Bus-Id        | AICore(%)   Memory-Usage(MB)  HBM-Usage(MB)        |
+===========================+===============+====================================================+
| 0     910B3               | OK            | 97.5        37                0    / 0             |
| 0                         | 0000:C1:00.0  | 12          0    / 0          57369/ 65536         |
+===========================+===============+====================================================+
| 1     910B3               | Warning       | 88.1        41                0    / 0             |
| 0                         | 0000:C2:00.0  | 0           0    / 0          3375 / 65536         |
+===========================+===============+====================================================+
| 2     910B3               | Alarm         | 70.0        39                0    / 0             |
| 0                         | 0000:81:00.0  | 0           0    / 0          0    / 32768         |
+===========================+===============+====================================================+
+---------------------------+---------------+----------------------------------------------------+
| NPU     Chip              | Process id    | Process name             | Process memory(MB)      |
+===========================+===============+====================================================+
| 0       0                 | 4242          | python3                  | 54000                   |
+===========================+===============+====================================================+
| No running processes found in NPU 1                                                            |
+===========================+===============+====================================================+
| No running processes found in NPU 2                                                            |
+===========================+===============+====================================================+
`
